package domain

// SubjectType differentiates token subjects.
type SubjectType string

const (
	SubjectTypeAdvisor SubjectType = "ADVISOR"
	SubjectTypeSystem  SubjectType = "SYSTEM"
)

// Advisor is the authenticated operator behind a console.
type Advisor struct {
	ID   string
	Name string
}
