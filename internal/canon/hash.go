package canon

import (
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

// tag bytes disambiguate value kinds so that e.g. the string "1" and the
// number 1 don't collide in the digest.
const (
	tagNil byte = iota
	tagMap
	tagSlice
	tagString
	tagBool
	tagNumber
)

// Hash computes a stable structural hash of a canonical object: equal
// canonical forms always hash equal, but a hash collision must never be
// treated as a proof of equality — it's a bucket key only.
func Hash(obj *unstructured.Unstructured) uint64 {
	d := xxhash.New()
	writeValue(d, obj.UnstructuredContent())
	return d.Sum64()
}

// HashValue hashes an arbitrary unstructured value (used for pod-template
// sub-hashes, e.g. the pod-template-hash recorded in the lifecycle table).
func HashValue(v interface{}) uint64 {
	d := xxhash.New()
	writeValue(d, v)
	return d.Sum64()
}

func writeValue(d *xxhash.Digest, v interface{}) {
	switch val := v.(type) {
	case nil:
		d.Write([]byte{tagNil})
	case map[string]interface{}:
		d.Write([]byte{tagMap})
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			d.Write([]byte(k))
			d.Write([]byte{0})
			writeValue(d, val[k])
		}
	case []interface{}:
		d.Write([]byte{tagSlice})
		for _, elem := range val {
			writeValue(d, elem)
		}
	case string:
		d.Write([]byte{tagString})
		d.Write([]byte(val))
	case bool:
		d.Write([]byte{tagBool})
		if val {
			d.Write([]byte{1})
		} else {
			d.Write([]byte{0})
		}
	case float64:
		d.Write([]byte{tagNumber})
		d.Write([]byte(strconv.FormatFloat(val, 'g', -1, 64)))
	case int64:
		d.Write([]byte{tagNumber})
		d.Write([]byte(strconv.FormatInt(val, 10)))
	default:
		d.Write([]byte{tagString})
		d.Write([]byte(strconv.Quote("")))
	}
}
