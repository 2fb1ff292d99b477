// Package attribution maps evidence back to the documents it came from.
package attribution

import "docqa/internal/domain"

// Resolve returns the distinct document ids of evidence in first-seen order.
// The result is never nil.
func Resolve(evidence domain.EvidenceSet) []string {
	seen := make(map[string]struct{}, len(evidence))
	sources := make([]string, 0, len(evidence))
	for _, c := range evidence {
		if _, ok := seen[c.DocumentID]; ok {
			continue
		}
		seen[c.DocumentID] = struct{}{}
		sources = append(sources, c.DocumentID)
	}
	return sources
}
