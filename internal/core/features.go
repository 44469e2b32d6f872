package core

import (
	"context"

	"labledger/pkg/domain"
)

// MatchFeatures resolves detected map feature names against the curated
// element catalog. Matching is case-sensitive on element names and aliases;
// names with no match come back separately so callers can warn the user.
func (s *Service) MatchFeatures(ctx context.Context, names []string) ([]Element, []string, error) {
	if len(names) == 0 {
		return nil, nil, nil
	}
	var (
		matched []Element
		unknown []string
	)
	err := s.store.View(ctx, func(v domain.TransactionView) error {
		byAlias := make(map[string]Element)
		for _, el := range v.ListElements() {
			byAlias[el.Name] = el
			for _, alias := range el.Aliases {
				byAlias[alias] = el
			}
		}
		seen := make(map[int64]struct{})
		for _, name := range names {
			el, ok := byAlias[name]
			if !ok {
				unknown = append(unknown, name)
				continue
			}
			if _, dup := seen[el.ID]; dup {
				continue
			}
			seen[el.ID] = struct{}{}
			matched = append(matched, el)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return matched, unknown, nil
}

// AddElement registers a curated element in the catalog.
func (s *Service) AddElement(ctx context.Context, el Element) (Element, error) {
	var created Element
	err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var err error
		created, err = tx.CreateElement(el)
		return err
	})
	return created, err
}
