package intent

import "strings"

// Agent roles known to the single-responder path.
const (
	RoleCoordinator = "coordinator"
	RoleExecutive   = "executive"
	RoleMarket      = "market"
	RoleContent     = "content"
	RoleOperations  = "operations"
)

type roleVocabulary struct {
	role  string
	words []string
}

// Vocabularies in tie-break priority order.
var roleVocabularies = []roleVocabulary{
	{RoleExecutive, []string{"strategy", "decision", "decide", "budget", "plan", "roi", "growth", "priority", "approve", "risk"}},
	{RoleMarket, []string{"market", "competitor", "competitors", "price", "pricing", "trend", "trends", "demand", "sales", "marketplace", "amazon", "ebay", "etsy"}},
	{RoleContent, []string{"description", "title", "copy", "write", "content", "listing", "image", "photo", "photos", "seo", "keywords", "bullet"}},
	{RoleOperations, []string{"inventory", "stock", "shipping", "order", "orders", "fulfillment", "supplier", "warehouse", "return", "returns"}},
}

// KnownRole reports whether role can be addressed directly.
func KnownRole(role string) bool {
	if role == RoleCoordinator {
		return true
	}
	for _, v := range roleVocabularies {
		if v.role == role {
			return true
		}
	}
	return false
}

// SelectResponder picks the single responder role for text by keyword
// overlap. Ties go to the earlier role in priority order; no overlap selects
// the coordinator.
func SelectResponder(text string) string {
	tokens := make(map[string]struct{})
	for _, w := range splitWords(text) {
		tokens[w] = struct{}{}
	}

	best := RoleCoordinator
	bestScore := 0
	for _, v := range roleVocabularies {
		score := 0
		for _, w := range v.words {
			if _, ok := tokens[w]; ok {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = v.role, score
		}
	}
	return best
}

// DirectTarget detects the "@role message" marker that bypasses
// classification. It returns the addressed role and the remaining text.
func DirectTarget(text string) (role, rest string, ok bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "@") {
		return "", text, false
	}
	head, tail, _ := strings.Cut(trimmed[1:], " ")
	head = strings.ToLower(strings.TrimRight(head, ",:"))
	if !KnownRole(head) {
		return "", text, false
	}
	return head, strings.TrimSpace(tail), true
}
