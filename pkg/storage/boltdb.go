package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/kube9/kube9/pkg/apierr"
	"github.com/kube9/kube9/pkg/types"
)

var (
	bucketNodes      = []byte("nodes")
	bucketPods       = []byte("pods")
	bucketContainers = []byte("containers")
	bucketVolumes    = []byte("volumes")
	bucketConfigItems = []byte("config_items")
)

// BoltStore is a Store backed by a single bbolt database file, one bucket
// per entity. Each CRUD operation is its own db.Update/db.View transaction;
// CreatePodBound and RebindPod compose several entities into one
// transaction so they commit or fail together.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) a bbolt database under dataDir
// and ensures every bucket exists.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "kube9.db")
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketNodes, bucketPods, bucketContainers, bucketVolumes, bucketConfigItems} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func nameExists(tx *bolt.Tx, bucket []byte, name string, unmarshalName func([]byte) (string, error)) (bool, error) {
	b := tx.Bucket(bucket)
	exists := false
	err := b.ForEach(func(_, v []byte) error {
		n, err := unmarshalName(v)
		if err != nil {
			return err
		}
		if n == name {
			exists = true
		}
		return nil
	})
	return exists, err
}

// --- Nodes ---

func (s *BoltStore) CreateNode(node *types.Node) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)

		dup, err := nameExists(tx, bucketNodes, node.Name, func(v []byte) (string, error) {
			var n types.Node
			if err := json.Unmarshal(v, &n); err != nil {
				return "", err
			}
			return n.Name, nil
		})
		if err != nil {
			return err
		}
		if dup {
			return apierr.Conflict("node name already taken: %s", node.Name)
		}

		data, err := json.Marshal(node)
		if err != nil {
			return err
		}
		return b.Put([]byte(node.ID), data)
	})
	if err != nil {
		if _, ok := err.(*apierr.ConflictError); ok {
			return err
		}
		return apierr.Store(err)
	}
	return nil
}

func (s *BoltStore) GetNode(id string) (*types.Node, error) {
	var node types.Node
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketNodes).Get([]byte(id))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &node)
	})
	if err != nil {
		return nil, apierr.Store(err)
	}
	if !found {
		return nil, apierr.NotFound("node", id)
	}
	return &node, nil
}

func (s *BoltStore) GetNodeByName(name string) (*types.Node, error) {
	var found *types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(_, v []byte) error {
			var n types.Node
			if err := json.Unmarshal(v, &n); err != nil {
				return err
			}
			if n.Name == name {
				found = &n
			}
			return nil
		})
	})
	if err != nil {
		return nil, apierr.Store(err)
	}
	if found == nil {
		return nil, apierr.NotFound("node", name)
	}
	return found, nil
}

func (s *BoltStore) ListNodes() ([]*types.Node, error) {
	var nodes []*types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(_, v []byte) error {
			var n types.Node
			if err := json.Unmarshal(v, &n); err != nil {
				return err
			}
			nodes = append(nodes, &n)
			return nil
		})
	})
	if err != nil {
		return nil, apierr.Store(err)
	}
	return nodes, nil
}

func (s *BoltStore) UpdateNode(node *types.Node) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(node)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketNodes).Put([]byte(node.ID), data)
	})
	if err != nil {
		return apierr.Store(err)
	}
	return nil
}

func (s *BoltStore) DeleteNode(id string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).Delete([]byte(id))
	})
	if err != nil {
		return apierr.Store(err)
	}
	return nil
}

// --- Pods ---

func (s *BoltStore) GetPod(id string) (*types.Pod, error) {
	var pod types.Pod
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketPods).Get([]byte(id))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &pod)
	})
	if err != nil {
		return nil, apierr.Store(err)
	}
	if !found {
		return nil, apierr.NotFound("pod", id)
	}
	return &pod, nil
}

func (s *BoltStore) GetPodByName(name string) (*types.Pod, error) {
	var found *types.Pod
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPods).ForEach(func(_, v []byte) error {
			var p types.Pod
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			if p.Name == name {
				found = &p
			}
			return nil
		})
	})
	if err != nil {
		return nil, apierr.Store(err)
	}
	if found == nil {
		return nil, apierr.NotFound("pod", name)
	}
	return found, nil
}

func (s *BoltStore) ListPods() ([]*types.Pod, error) {
	var pods []*types.Pod
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPods).ForEach(func(_, v []byte) error {
			var p types.Pod
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			pods = append(pods, &p)
			return nil
		})
	})
	if err != nil {
		return nil, apierr.Store(err)
	}
	return pods, nil
}

func (s *BoltStore) UpdatePod(pod *types.Pod) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(pod)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketPods).Put([]byte(pod.ID), data)
	})
	if err != nil {
		return apierr.Store(err)
	}
	return nil
}

// DeletePod cascade-deletes the pod and its containers, volumes and config
// items in a single transaction (invariant 7).
func (s *BoltStore) DeletePod(id string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return deletePodCascade(tx, id)
	})
	if err != nil {
		return apierr.Store(err)
	}
	return nil
}

func deletePodCascade(tx *bolt.Tx, podID string) error {
	cb := tx.Bucket(bucketContainers)
	if err := deleteWherePodID(cb, podID); err != nil {
		return err
	}
	vb := tx.Bucket(bucketVolumes)
	if err := deleteWherePodID(vb, podID); err != nil {
		return err
	}
	cib := tx.Bucket(bucketConfigItems)
	if err := deleteWherePodID(cib, podID); err != nil {
		return err
	}
	return tx.Bucket(bucketPods).Delete([]byte(podID))
}

// deleteWherePodID removes every value in bucket whose embedded "pod_id"
// JSON field matches podID. All entities owned by a pod are few enough that
// a full bucket sweep per delete is acceptable.
func deleteWherePodID(b *bolt.Bucket, podID string) error {
	type withPodID struct {
		PodID string `json:"pod_id"`
	}
	var toDelete [][]byte
	err := b.ForEach(func(k, v []byte) error {
		var rec withPodID
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		if rec.PodID == podID {
			key := append([]byte(nil), k...)
			toDelete = append(toDelete, key)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, k := range toDelete {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// --- Containers ---

func (s *BoltStore) GetContainer(id string) (*types.Container, error) {
	var c types.Container
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketContainers).Get([]byte(id))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &c)
	})
	if err != nil {
		return nil, apierr.Store(err)
	}
	if !found {
		return nil, apierr.NotFound("container", id)
	}
	return &c, nil
}

func (s *BoltStore) ListContainersByPod(podID string) ([]*types.Container, error) {
	var out []*types.Container
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketContainers).ForEach(func(_, v []byte) error {
			var c types.Container
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			if c.PodID == podID {
				out = append(out, &c)
			}
			return nil
		})
	})
	if err != nil {
		return nil, apierr.Store(err)
	}
	return out, nil
}

func (s *BoltStore) UpdateContainer(c *types.Container) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(c)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketContainers).Put([]byte(c.ID), data)
	})
	if err != nil {
		return apierr.Store(err)
	}
	return nil
}

// --- Volumes ---

func (s *BoltStore) GetVolume(id string) (*types.Volume, error) {
	var v types.Volume
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketVolumes).Get([]byte(id))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &v)
	})
	if err != nil {
		return nil, apierr.Store(err)
	}
	if !found {
		return nil, apierr.NotFound("volume", id)
	}
	return &v, nil
}

func (s *BoltStore) ListVolumesByPod(podID string) ([]*types.Volume, error) {
	var out []*types.Volume
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVolumes).ForEach(func(_, v []byte) error {
			var vol types.Volume
			if err := json.Unmarshal(v, &vol); err != nil {
				return err
			}
			if vol.PodID == podID {
				out = append(out, &vol)
			}
			return nil
		})
	})
	if err != nil {
		return nil, apierr.Store(err)
	}
	return out, nil
}

// --- Config items ---

func (s *BoltStore) GetConfigItem(id string) (*types.ConfigItem, error) {
	var ci types.ConfigItem
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketConfigItems).Get([]byte(id))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &ci)
	})
	if err != nil {
		return nil, apierr.Store(err)
	}
	if !found {
		return nil, apierr.NotFound("config_item", id)
	}
	return &ci, nil
}

func (s *BoltStore) ListConfigItemsByPod(podID string) ([]*types.ConfigItem, error) {
	var out []*types.ConfigItem
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketConfigItems).ForEach(func(_, v []byte) error {
			var ci types.ConfigItem
			if err := json.Unmarshal(v, &ci); err != nil {
				return err
			}
			if ci.PodID == podID {
				out = append(out, &ci)
			}
			return nil
		})
	})
	if err != nil {
		return nil, apierr.Store(err)
	}
	return out, nil
}

// --- Composite transactions ---

func (s *BoltStore) CreatePodBound(pod *types.Pod, containers []*types.Container, volumes []*types.Volume, configItems []*types.ConfigItem, node *types.Node) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		dup, err := nameExists(tx, bucketPods, pod.Name, func(v []byte) (string, error) {
			var p types.Pod
			if err := json.Unmarshal(v, &p); err != nil {
				return "", err
			}
			return p.Name, nil
		})
		if err != nil {
			return err
		}
		if dup {
			return apierr.Conflict("pod name already taken: %s", pod.Name)
		}

		if err := putJSON(tx.Bucket(bucketPods), pod.ID, pod); err != nil {
			return err
		}
		for _, c := range containers {
			if err := putJSON(tx.Bucket(bucketContainers), c.ID, c); err != nil {
				return err
			}
		}
		for _, v := range volumes {
			if err := putJSON(tx.Bucket(bucketVolumes), v.ID, v); err != nil {
				return err
			}
		}
		for _, ci := range configItems {
			if err := putJSON(tx.Bucket(bucketConfigItems), ci.ID, ci); err != nil {
				return err
			}
		}
		return putJSON(tx.Bucket(bucketNodes), node.ID, node)
	})
	if err != nil {
		if _, ok := err.(*apierr.ConflictError); ok {
			return err
		}
		return apierr.Store(err)
	}
	return nil
}

func (s *BoltStore) RebindPod(pod *types.Pod, fromNode *types.Node, toNode *types.Node) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := putJSON(tx.Bucket(bucketPods), pod.ID, pod); err != nil {
			return err
		}
		if err := putJSON(tx.Bucket(bucketNodes), fromNode.ID, fromNode); err != nil {
			return err
		}
		return putJSON(tx.Bucket(bucketNodes), toNode.ID, toNode)
	})
	if err != nil {
		return apierr.Store(err)
	}
	return nil
}

func putJSON(b *bolt.Bucket, id string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(id), data)
}
