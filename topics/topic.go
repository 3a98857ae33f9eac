package topics

import "strings"

// SubjectRoot prefixes every bus subject owned by the workflow engine.
const SubjectRoot = "workflows"

var (
	MeetingsProcessing = New("meetings", "processing")
	ChatMessageNew     = New("chat", "message.new")
)

type Topic struct {
	prefix string
	name   string
}

func New(prefix, name string) Topic {
	return Topic{
		prefix: prefix,
		name:   name,
	}
}

// Parse accepts an event name such as "meetings/processing".
func Parse(event string) (Topic, bool) {
	prefix, name, ok := strings.Cut(event, "/")
	if !ok || prefix == "" || name == "" {
		return Topic{}, false
	}
	return New(prefix, name), true
}

// FromSubject reverses Subject.
func FromSubject(subject string) (Topic, bool) {
	rest, ok := strings.CutPrefix(subject, SubjectRoot+".")
	if !ok {
		return Topic{}, false
	}
	prefix, name, ok := strings.Cut(rest, ".")
	if !ok || prefix == "" || name == "" {
		return Topic{}, false
	}
	return New(prefix, name), true
}

// Name is the event name producers use, e.g. "chat/message.new".
func (t Topic) Name() string {
	if t.prefix == "" {
		return t.name
	}
	return t.prefix + "/" + t.name
}

// Subject is the bus subject, e.g. "workflows.chat.message.new".
func (t Topic) Subject() string {
	if t.prefix == "" {
		return SubjectRoot + "." + t.name
	}
	return SubjectRoot + "." + t.prefix + "." + t.name
}

func (t Topic) String() string {
	return t.Name()
}
