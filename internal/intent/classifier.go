package intent

import (
	"fmt"
	"math"
	"strings"
	"time"
)

const (
	patternWeight = 3.0
	keywordWeight = 1.0
	scoreScale    = 10.0

	// DefaultThreshold is the minimum confidence for a workflow intent.
	DefaultThreshold = 0.30

	perRoleEstimate = 15 * time.Second
)

// WorkflowIntent is the result of a successful classification.
type WorkflowIntent struct {
	WorkflowType    string
	Confidence      float64
	Roles           []string
	Context         map[string]string
	MatchedTriggers []string
}

// Estimate is a rough wall-clock estimate for the workflow.
func (w *WorkflowIntent) Estimate() time.Duration {
	return time.Duration(len(w.Roles)) * perRoleEstimate
}

// Classifier scores text against a compiled pattern table. It is safe for
// concurrent use.
type Classifier struct {
	workflows []compiledWorkflow
	threshold float64
}

// NewClassifier compiles table. A threshold <= 0 selects DefaultThreshold.
func NewClassifier(table Table, threshold float64) (*Classifier, error) {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	c := &Classifier{threshold: threshold}
	for _, w := range table.Workflows {
		cw, err := compileWorkflow(w)
		if err != nil {
			return nil, fmt.Errorf("compile pattern table: %w", err)
		}
		c.workflows = append(c.workflows, cw)
	}
	return c, nil
}

// NewDefaultClassifier returns a classifier over DefaultTable.
func NewDefaultClassifier() *Classifier {
	c, err := NewClassifier(DefaultTable(), DefaultThreshold)
	if err != nil {
		panic("intent: default table does not compile: " + err.Error())
	}
	return c
}

// Workflows returns the workflow types in table order.
func (c *Classifier) Workflows() []string {
	out := make([]string, len(c.workflows))
	for i, w := range c.workflows {
		out[i] = w.typ
	}
	return out
}

// Classify returns the winning workflow intent, or nil when the message
// should be answered by a single responder.
func (c *Classifier) Classify(text string) *WorkflowIntent {
	lowered := strings.ToLower(text)
	if strings.TrimSpace(lowered) == "" {
		return nil
	}

	best := -1
	bestScore := 0.0
	var bestTriggers []string
	for i := range c.workflows {
		score, triggers := c.workflows[i].score(lowered)
		if score > bestScore {
			best, bestScore, bestTriggers = i, score, triggers
		}
	}
	if best < 0 {
		return nil
	}

	confidence := math.Min(bestScore/scoreScale, 1.0)
	if confidence < c.threshold {
		return nil
	}

	w := c.workflows[best]
	return &WorkflowIntent{
		WorkflowType:    w.typ,
		Confidence:      confidence,
		Roles:           append([]string(nil), w.roles...),
		Context:         w.extract(lowered),
		MatchedTriggers: bestTriggers,
	}
}

func (w *compiledWorkflow) score(lowered string) (float64, []string) {
	var score float64
	var triggers []string
	for _, re := range w.patterns {
		if re.MatchString(lowered) {
			score += patternWeight
			triggers = append(triggers, "pattern:"+re.String())
		}
	}
	for i, words := range w.keywords {
		if containsInOrder(lowered, words) {
			score += keywordWeight
			triggers = append(triggers, "keyword:"+w.rawKeys[i])
		}
	}
	return score, triggers
}

func (w *compiledWorkflow) extract(lowered string) map[string]string {
	out := make(map[string]string)
	for _, e := range w.extractors {
		m := e.re.FindStringSubmatch(lowered)
		if m == nil {
			continue
		}
		if len(m) > 1 && m[1] != "" {
			out[e.field] = m[1]
		} else {
			out[e.field] = m[0]
		}
	}
	return out
}

// containsInOrder reports whether every word occurs in text, each after the
// previous one.
func containsInOrder(text string, words []string) bool {
	pos := 0
	for _, w := range words {
		idx := strings.Index(text[pos:], w)
		if idx < 0 {
			return false
		}
		pos += idx + len(w)
	}
	return true
}

func splitWords(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '\'' || r == '$')
	})
}
