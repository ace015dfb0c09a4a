package metrics

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
)

const (
	// NumBuckets is the histogram width: 30 buckets of 100 ms plus overflow.
	NumBuckets = 31
	// BucketWidth is the width of one bucket in milliseconds.
	BucketWidth = 100
)

// BucketFor returns the bucket of a latency: floor(ms/100), capped at 30.
func BucketFor(ms float64) int {
	switch {
	case ms >= (NumBuckets-1)*BucketWidth:
		return NumBuckets - 1
	case ms > 0:
		return int(ms / BucketWidth)
	}
	return 0
}

// Series is one latency histogram. Sum(Bucket) == Count always holds.
type Series struct {
	Count  int64             `json:"count"`
	Total  float64           `json:"total"`
	Bucket [NumBuckets]int64 `json:"bucket"`
}

// Mean returns Total/Count, or 0 for an empty series.
func (s Series) Mean() float64 {
	if s.Count == 0 {
		return 0
	}
	return s.Total / float64(s.Count)
}

func (s Series) with(ms float64) Series {
	s.Count++
	s.Total += ms
	s.Bucket[BucketFor(ms)]++
	return s
}

// Index maps origins to their permanent integer ids. Id 0 is the global
// aggregate; NextID is never reused until ClearAll.
type Index struct {
	Version int
	NextID  int
	Origins map[string]int
}

func newIndex() Index {
	return Index{Version: indexVersion, NextID: 1, Origins: map[string]int{}}
}

func (ix Index) clone() Index {
	c := ix
	c.Origins = make(map[string]int, len(ix.Origins))
	for k, v := range ix.Origins {
		c.Origins[k] = v
	}
	return c
}

// MarshalJSON writes the flat layout {".version":1,".nextId":N,"<origin>":id}.
func (ix Index) MarshalJSON() ([]byte, error) {
	m := make(map[string]int, len(ix.Origins)+2)
	for k, v := range ix.Origins {
		m[k] = v
	}
	m[".version"] = ix.Version
	m[".nextId"] = ix.NextID
	return json.Marshal(m)
}

// UnmarshalJSON reads the flat layout. Non-numeric entries are ignored.
func (ix *Index) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := newIndex()
	for k, v := range raw {
		var n float64
		if err := json.Unmarshal(v, &n); err != nil || n != math.Trunc(n) {
			continue
		}
		switch {
		case k == ".version":
			out.Version = int(n)
		case k == ".nextId":
			out.NextID = int(n)
		case strings.HasPrefix(k, "."):
		default:
			out.Origins[k] = int(n)
		}
	}
	for _, id := range out.Origins {
		if id >= out.NextID {
			out.NextID = id + 1
		}
	}
	*ix = out
	return nil
}

// Sorted returns the origins ordered by id.
func (ix Index) Sorted() []string {
	origins := make([]string, 0, len(ix.Origins))
	for o := range ix.Origins {
		origins = append(origins, o)
	}
	sort.Slice(origins, func(i, j int) bool { return ix.Origins[origins[i]] < ix.Origins[origins[j]] })
	return origins
}

func keyN(id int) string { return fmt.Sprintf("lcp_n_%d", id) }
func keyP(id int) string { return fmt.Sprintf("lcp_p_%d", id) }

func seriesKey(id int, prerendered bool) string {
	if prerendered {
		return keyP(id)
	}
	return keyN(id)
}
