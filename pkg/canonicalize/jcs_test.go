package canonicalize

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJCS_SortsKeysAtEveryLevel(t *testing.T) {
	input := map[string]interface{}{
		"repair_scope": map[string]interface{}{
			"batch_indices": []int{1, 2},
		},
		"reason":                "stale",
		"target_primary_job_id": "J1",
	}

	b, err := JCS(input)
	require.NoError(t, err)
	require.Equal(t, `{"reason":"stale","repair_scope":{"batch_indices":[1,2]},"target_primary_job_id":"J1"}`, string(b))
}

func TestJCS_NoHTMLEscaping(t *testing.T) {
	input := map[string]string{"reason": "<batch 3> & <batch 4> truncated"}

	b, err := JCS(input)
	if err != nil {
		t.Fatalf("JCS failed: %v", err)
	}
	if string(b) != `{"reason":"<batch 3> & <batch 4> truncated"}` {
		t.Errorf("unexpected canonical form %s", b)
	}
}

func TestCanonicalHash_StructAndMapAgree(t *testing.T) {
	type batch struct {
		Source string `json:"source"`
		Index  int    `json:"index"`
	}
	h1, err := CanonicalHash([]batch{{Index: 0, Source: "primary"}})
	require.NoError(t, err)
	h2, err := CanonicalHash([]map[string]interface{}{{"index": 0, "source": "primary"}})
	require.NoError(t, err)
	require.Equal(t, h1, h2)
}

func TestJCS_SortsKeys(t *testing.T) {
	b, err := JCS(map[string]int{"b": 2, "a": 1})
	require.NoError(t, err)
	require.Equal(t, `{"a":1,"b":2}`, string(b))
}

func TestJCS_RejectsUnmarshalableValues(t *testing.T) {
	_, err := JCS(map[string]interface{}{"ch": make(chan int)})
	require.Error(t, err)
}
