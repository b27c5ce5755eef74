package config

import (
	"encoding/json"
	"hash/fnv"
)

func hashBytes(b []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// HashJob fingerprints a job entry. Reload keeps a registration whose
// fingerprint is unchanged.
func HashJob(j JobConfig) uint64 {
	b, err := json.Marshal(j)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}
