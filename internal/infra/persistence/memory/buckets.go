package memory

import (
	"encoding/json"
	"fmt"
)

// Buckets lists the snapshot partitions written by the SQL backends, in write order.
var Buckets = []string{
	"sessions",
	"subjects",
	"rounds",
	"groups",
	"roles",
	"stage_histories",
	"stamps",
	"sequences",
}

func (s *Snapshot) target(bucket string) (any, bool) {
	switch bucket {
	case "sessions":
		return &s.Sessions, true
	case "subjects":
		return &s.Subjects, true
	case "rounds":
		return &s.Rounds, true
	case "groups":
		return &s.Groups, true
	case "roles":
		return &s.Roles, true
	case "stage_histories":
		return &s.StageHistories, true
	case "stamps":
		return &s.Stamps, true
	case "sequences":
		return &s.Sequences, true
	default:
		return nil, false
	}
}

// EncodeBuckets serialises each snapshot partition as a JSON payload.
func EncodeBuckets(s Snapshot) (map[string][]byte, error) {
	out := make(map[string][]byte, len(Buckets))
	for _, bucket := range Buckets {
		target, _ := s.target(bucket)
		data, err := json.Marshal(target)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", bucket, err)
		}
		out[bucket] = data
	}
	return out, nil
}

// DecodeBucket merges one persisted partition into the snapshot. Unknown
// buckets are ignored so older databases keep loading.
func (s *Snapshot) DecodeBucket(bucket string, payload []byte) error {
	target, ok := s.target(bucket)
	if !ok || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, target); err != nil {
		return fmt.Errorf("decode %s: %w", bucket, err)
	}
	return nil
}
