package models

// Exchange is a finished query handed to the result pipeline.
type Exchange struct {
	Query    *OutgoingQuery
	Reply    string
	Method   string
	Attempts []MethodAttempt
	Err      error
}

func (e Exchange) IsSuccess() bool {
	return e.Err == nil && e.Reply != ""
}
