package session

// Channel is a live outbound connection to a waiting client.
type Channel interface {
	SendJSON(v any) error
	SendBinary(data []byte) error
	Close() error
}

// Message is one server-to-client payload. Exactly one of JSON or Binary is set.
// A Final message ends the job: the entry is removed and the channel closed after sending.
type Message struct {
	JSON   any
	Binary []byte
	Final  bool
}

func (m Message) Kind() string {
	if m.Binary != nil {
		return "binary"
	}
	return "json"
}
