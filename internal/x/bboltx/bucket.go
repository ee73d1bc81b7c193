package bboltx

import (
	"encoding/binary"

	"go.etcd.io/bbolt"
)

// CreateBucketIfNotExists creates nested buckets with names given by the
// elements of path.
func CreateBucketIfNotExists(p BucketParent, path ...[]byte) *bbolt.Bucket {
	if len(path) == 0 {
		panic("at least one path element must be provided")
	}

	var (
		b   *bbolt.Bucket
		err error
	)

	for _, n := range path {
		b, err = p.CreateBucketIfNotExists(n)
		Must(err)

		p = b
	}

	return b
}

// TryBucket gets nested buckets with names given by the elements of path.
//
// It returns false if any of the nested buckets does not exist.
func TryBucket(p BucketParent, path ...[]byte) (*bbolt.Bucket, bool) {
	if len(path) == 0 {
		panic("at least one path element must be provided")
	}

	var b *bbolt.Bucket

	for _, n := range path {
		b = p.Bucket(n)
		if b == nil {
			return nil, false
		}

		p = b
	}

	return b, true
}

// Put writes a value to a bucket.
func Put(b *bbolt.Bucket, k, v []byte) {
	Must(b.Put(k, v))
}

// MarshalUint64 returns the big-endian representation of n.
//
// Big-endian keys sort in the same order as the integers they represent, which
// allows ordered iteration with a bbolt cursor.
func MarshalUint64(n uint64) []byte {
	var data [8]byte
	binary.BigEndian.PutUint64(data[:], n)
	return data[:]
}

// UnmarshalUint64 returns the integer represented by data, which must have
// been produced by MarshalUint64().
func UnmarshalUint64(data []byte) uint64 {
	if len(data) == 0 {
		return 0
	}

	return binary.BigEndian.Uint64(data)
}
