package service

import (
	"errors"
	"sync"
	"time"
)

// Notice is a user-facing message about a failed operation.
type Notice struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	JobID     string    `json:"job_id,omitempty"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	Advice    string    `json:"advice,omitempty"`
}

// Notices keeps recent notices and serves incremental reads.
type Notices struct {
	mu         sync.RWMutex
	nextSeq    int64
	maxNotices int
	notices    []Notice
	handler    ErrorHandler
}

func NewNotices(maxNotices int) *Notices {
	if maxNotices <= 0 {
		maxNotices = 200
	}
	return &Notices{
		maxNotices: maxNotices,
		notices:    make([]Notice, 0, maxNotices),
		handler:    NewDefaultErrorHandler(),
	}
}

// Report logs err and posts it as a notice for jobID.
func (n *Notices) Report(jobID string, err error) Notice {
	n.handler.Handle(err)

	notice := Notice{JobID: jobID, Kind: ErrUnknown.String(), Message: err.Error()}
	var pErr *PipelineError
	if errors.As(err, &pErr) {
		notice.Kind = pErr.Type.String()
		notice.Message = pErr.Message
		if pErr.Cause != nil {
			notice.Message += ": " + pErr.Cause.Error()
		}
		notice.Advice = n.handler.GetAdvice(pErr)
	}
	return n.Publish(notice)
}

// Publish appends one notice and assigns sequence and timestamp.
func (n *Notices) Publish(notice Notice) Notice {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.nextSeq++
	notice.Seq = n.nextSeq
	if notice.Timestamp.IsZero() {
		notice.Timestamp = time.Now().UTC()
	}

	n.notices = append(n.notices, notice)
	if len(n.notices) > n.maxNotices {
		trim := len(n.notices) - n.maxNotices
		n.notices = append([]Notice(nil), n.notices[trim:]...)
	}
	return notice
}

// Since returns notices with sequence strictly greater than seq.
func (n *Notices) Since(seq int64) []Notice {
	n.mu.RLock()
	defer n.mu.RUnlock()

	out := make([]Notice, 0, len(n.notices))
	for _, notice := range n.notices {
		if notice.Seq > seq {
			out = append(out, notice)
		}
	}
	return out
}

// Last returns the highest sequence issued so far.
func (n *Notices) Last() int64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.nextSeq
}
