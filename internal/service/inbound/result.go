package inbound

import "e2e_messenger/internal/model"

// Result is one of Success, Duplicate or Rejected.
type Result interface {
	isResult()
}

type (
	Success struct {
		Message model.MessageRecord
	}

	Duplicate struct {
		MessageID string
	}

	Rejected struct {
		Reason string
	}
)

func (Success) isResult()   {}
func (Duplicate) isResult() {}
func (Rejected) isResult()  {}

// Label names the outcome for logs and metrics.
func Label(r Result) string {
	switch r.(type) {
	case Success:
		return "success"
	case Duplicate:
		return "duplicate"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}
