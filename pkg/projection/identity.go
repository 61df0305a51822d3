package projection

import (
	"fmt"

	"projectd/pkg/utils"
)

// IdentityMapper projects change documents unchanged, keyed by a configured
// field path. It is the default mapper for pipelines that only need a
// one-to-one copy of the source document.
type IdentityMapper struct {
	// KeyField is the dot-separated path of the document key (default "id").
	KeyField string
	// IndexFields are declared for the projection store.
	IndexFields []string
}

func (m *IdentityMapper) keyField() string {
	if m.KeyField == "" {
		return "id"
	}
	return m.KeyField
}

func (m *IdentityMapper) Map(payload []byte) ([]Document, error) {
	key, ok := utils.ExtractField(payload, m.keyField())
	if !ok {
		return nil, fmt.Errorf("document missing key field %q", m.keyField())
	}
	return []Document{{Key: key, Value: payload}}, nil
}

func (m *IdentityMapper) Indexes() []string {
	return append([]string(nil), m.IndexFields...)
}

func init() {
	RegisterMapper("identity", &IdentityMapper{})
}
