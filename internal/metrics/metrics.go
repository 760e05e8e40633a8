package metrics

const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

type Recorder interface {
	ConnectionOpened()
	ConnectionClosed()
	SessionCreated()
	ActionHandled(action, outcome string)
}

type Nop struct{}

func (Nop) ConnectionOpened()            {}
func (Nop) ConnectionClosed()            {}
func (Nop) SessionCreated()              {}
func (Nop) ActionHandled(string, string) {}
