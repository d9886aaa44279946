package repository

import (
	"bytes"
	"encoding/json"

	"github.com/tulkenz-ims/be-ops-approvals/internal/engine"
)

// decodeJSON keeps numbers as json.Number so request attributes compare
// exactly after a round trip through storage.
func decodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

func decodeAttributes(data []byte, attrs *engine.Attributes) error {
	if len(data) == 0 {
		return nil
	}
	if err := decodeJSON(data, attrs); err != nil {
		return err
	}
	if len(*attrs) == 0 {
		*attrs = nil
	}
	return nil
}
