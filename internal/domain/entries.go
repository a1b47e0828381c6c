package domain

// DefaultTopK is used when a search asks for a non-positive number of results.
const DefaultTopK = 5

// ValidateEntries checks the shape of a vector index add: parallel slices,
// non-empty ids and one vector dimension across the batch.
func ValidateEntries(op string, ids []string, vectors [][]float32, metadatas []map[string]any) error {
	if len(ids) != len(vectors) {
		return Errorf(KindIndex, op, "ids and vectors length mismatch: %d != %d", len(ids), len(vectors))
	}
	if metadatas != nil && len(metadatas) != len(ids) {
		return Errorf(KindIndex, op, "ids and metadatas length mismatch: %d != %d", len(ids), len(metadatas))
	}
	dim := -1
	for i, v := range vectors {
		if ids[i] == "" {
			return Errorf(KindIndex, op, "empty id at position %d", i)
		}
		if len(v) == 0 {
			return Errorf(KindIndex, op, "empty vector for %s", ids[i])
		}
		if dim >= 0 && len(v) != dim {
			return Errorf(KindIndex, op, "vector dimension mismatch within batch: %d != %d", len(v), dim)
		}
		dim = len(v)
	}
	return nil
}
