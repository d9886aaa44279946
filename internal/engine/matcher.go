package engine

import "sort"

// Match selects the single applicable template for a request.
//
// Active templates of the category whose conditions all hold are
// candidates. A single candidate wins outright; otherwise the category
// default wins; otherwise the match is ambiguous. Match never picks
// arbitrarily because the template decides who is legally required to
// approve.
func Match(templates []*WorkflowTemplate, category Category, attrs Attributes) (*WorkflowTemplate, error) {
	var candidates []*WorkflowTemplate
	for _, t := range templates {
		if t == nil || !t.IsActive || t.Category != category {
			continue
		}
		if !AllHold(t.Conditions, attrs) {
			continue
		}
		candidates = append(candidates, t)
	}

	switch len(candidates) {
	case 0:
		return nil, &NoTemplateError{Category: category}
	case 1:
		return candidates[0], nil
	}

	var defaults []*WorkflowTemplate
	for _, t := range candidates {
		if t.IsDefault {
			defaults = append(defaults, t)
		}
	}
	if len(defaults) == 1 {
		return defaults[0], nil
	}

	ids := make([]string, 0, len(candidates))
	for _, t := range candidates {
		ids = append(ids, t.ID)
	}
	sort.Strings(ids)
	return nil, &AmbiguousTemplateError{Category: category, Candidates: ids}
}
