package pinecone

// Metadata filter builders for the Pinecone query dialect. Callers compose
// clauses with And; empty inputs collapse so an unfiltered query sends no
// filter object at all.

func Eq(field string, value any) map[string]any {
	return map[string]any{field: map[string]any{"$eq": value}}
}

func In(field string, values []string) map[string]any {
	if len(values) == 0 {
		return nil
	}
	anyVals := make([]any, 0, len(values))
	for _, v := range values {
		anyVals = append(anyVals, v)
	}
	return map[string]any{field: map[string]any{"$in": anyVals}}
}

func Gte(field string, value float64) map[string]any {
	return map[string]any{field: map[string]any{"$gte": value}}
}

func Lte(field string, value float64) map[string]any {
	return map[string]any{field: map[string]any{"$lte": value}}
}

// And joins clauses, dropping nils. Zero surviving clauses yield nil and one
// clause is returned unwrapped.
func And(clauses ...map[string]any) map[string]any {
	kept := make([]map[string]any, 0, len(clauses))
	for _, c := range clauses {
		if len(c) > 0 {
			kept = append(kept, c)
		}
	}
	switch len(kept) {
	case 0:
		return nil
	case 1:
		return kept[0]
	}
	anyClauses := make([]any, 0, len(kept))
	for _, c := range kept {
		anyClauses = append(anyClauses, c)
	}
	return map[string]any{"$and": anyClauses}
}
