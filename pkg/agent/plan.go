package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrPlanNotFound is returned when a plan id does not resolve
	ErrPlanNotFound = errors.New("plan not found")

	// ErrStepNotFound is returned when a step id is not part of the plan
	ErrStepNotFound = errors.New("step not found")

	// ErrNoPlan is returned when model output contains neither a plan nor an answer
	ErrNoPlan = errors.New("no plan in output")
)

// NewTaskPlan builds a pending plan with sequential step ids
func NewTaskPlan(goal string, steps []string, notes string) *TaskPlan {
	plan := &TaskPlan{
		ID:        uuid.New().String(),
		Goal:      goal,
		Steps:     make([]PlanStep, 0, len(steps)),
		Notes:     notes,
		CreatedAt: time.Now(),
	}
	for i, description := range steps {
		plan.Steps = append(plan.Steps, PlanStep{
			ID:          fmt.Sprintf("step-%d", i+1),
			Description: description,
			Status:      StepPending,
		})
	}
	return plan
}

// PlanStore keeps the plans produced by one agent instance
type PlanStore struct {
	plans map[string]*TaskPlan
	mu    sync.RWMutex
}

// NewPlanStore creates an empty plan store
func NewPlanStore() *PlanStore {
	return &PlanStore{
		plans: make(map[string]*TaskPlan),
	}
}

// Save stores a copy of the plan under its id
func (s *PlanStore) Save(plan *TaskPlan) {
	if plan == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[plan.ID] = plan.Clone()
}

// Get returns a copy of the plan
func (s *PlanStore) Get(planID string) (*TaskPlan, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	plan, exists := s.plans[planID]
	if !exists {
		return nil, false
	}
	return plan.Clone(), true
}

// Delete removes a plan. It reports whether the plan existed.
func (s *PlanStore) Delete(planID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.plans[planID]; !exists {
		return false
	}
	delete(s.plans, planID)
	return true
}

// UpdateStep sets the status of one step and returns the updated plan
func (s *PlanStore) UpdateStep(planID, stepID string, status StepStatus) (*TaskPlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	plan, exists := s.plans[planID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, planID)
	}
	for i := range plan.Steps {
		if plan.Steps[i].ID == stepID {
			plan.Steps[i].Status = status
			return plan.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: %s in plan %s", ErrStepNotFound, stepID, planID)
}

// IDs returns the stored plan ids, sorted
func (s *PlanStore) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.plans))
	for id := range s.plans {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of stored plans
func (s *PlanStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.plans)
}

// Prune removes plans created before the cutoff and returns how many were removed
func (s *PlanStore) Prune(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, plan := range s.plans {
		if plan.CreatedAt.Before(cutoff) {
			delete(s.plans, id)
			removed++
		}
	}
	return removed
}

// ParsedPlan is the outcome of reading a planning response
type ParsedPlan struct {
	Goal   string
	Steps  []string
	Notes  string
	Answer string
}

// IsDirectAnswer reports whether the model answered instead of planning
func (p ParsedPlan) IsDirectAnswer() bool {
	return p.Answer != "" && len(p.Steps) == 0
}

type planStepJSON struct {
	Description string
}

func (s *planStepJSON) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		s.Description = text
		return nil
	}
	var obj struct {
		Description string `json:"description"`
		Title       string `json:"title"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	s.Description = obj.Description
	if s.Description == "" {
		s.Description = obj.Title
	}
	return nil
}

type planJSON struct {
	Goal   string         `json:"goal"`
	Steps  []planStepJSON `json:"steps"`
	Notes  string         `json:"notes"`
	Answer string         `json:"answer"`
}

// ParsePlan reads a plan from model output. The output must contain a JSON object
// with goal/steps/notes, or an answer field when no plan is needed. Plain text with
// no JSON object is treated as a direct answer.
func ParsePlan(text string) (ParsedPlan, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return ParsedPlan{}, ErrNoPlan
	}

	raw := extractJSONObject(text)
	if raw == "" {
		return ParsedPlan{Answer: text}, nil
	}

	var decoded planJSON
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return ParsedPlan{}, fmt.Errorf("failed to parse plan JSON: %w", err)
	}

	parsed := ParsedPlan{
		Goal:   strings.TrimSpace(decoded.Goal),
		Notes:  strings.TrimSpace(decoded.Notes),
		Answer: strings.TrimSpace(decoded.Answer),
	}
	for _, step := range decoded.Steps {
		if description := strings.TrimSpace(step.Description); description != "" {
			parsed.Steps = append(parsed.Steps, description)
		}
	}

	if len(parsed.Steps) == 0 && parsed.Answer == "" {
		return ParsedPlan{}, ErrNoPlan
	}
	return parsed, nil
}

// extractJSONObject returns the first balanced {...} block in text
func extractJSONObject(text string) string {
	start := strings.Index(text, "{")
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}
