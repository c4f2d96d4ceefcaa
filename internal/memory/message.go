package memory

import (
	"sync"
	"time"

	"github.com/HummdG/tazaticket/internal/store"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Pair states.
const (
	PairOpen      = "open"
	PairClosed    = "closed"
	PairAbandoned = "abandoned"
)

// Message is one utterance in a conversation. Immutable once written.
type Message struct {
	Seq       int64
	Role      string
	Content   string
	Timestamp time.Time
	SessionID string
	Turn      int64
	Meta      map[string]string
}

// Pair is one conversational turn: a user message and its assistant reply.
// A pair is open while the reply is outstanding. A thread has at most one
// open pair at any time.
type Pair struct {
	Turn      int64
	User      Message
	Assistant Message
	State     string
}

// Closed reports whether the pair has its assistant reply attached.
func (p *Pair) Closed() bool {
	return p.State == PairClosed
}

// ThreadState holds the in-RAM conversation state for one thread. It is
// owned by the Manager; all access goes through the thread mutex.
type ThreadState struct {
	ThreadID     string
	SessionID    string
	LastActivity time.Time

	mu         sync.Mutex
	open       *Pair
	window     []*Pair // closed pairs, oldest first
	buffer     []*Pair // evicted closed pairs awaiting flush, oldest first
	turnCursor int64   // last turn index handed out
}

// ContextEntry is one (role, content) line of the context window projection.
type ContextEntry struct {
	Role    string
	Content string
}

// item converts a message to its durable-store representation.
func (m Message) item(threadID string) store.Item {
	return store.Item{
		ThreadID:  threadID,
		Seq:       m.Seq,
		Role:      m.Role,
		Content:   m.Content,
		Timestamp: m.Timestamp,
		SessionID: m.SessionID,
		Turn:      m.Turn,
		Meta:      m.Meta,
	}
}

func messageFromItem(it store.Item) Message {
	return Message{
		Seq:       it.Seq,
		Role:      it.Role,
		Content:   it.Content,
		Timestamp: it.Timestamp,
		SessionID: it.SessionID,
		Turn:      it.Turn,
		Meta:      it.Meta,
	}
}

// pairsFromItems reconstructs closed pairs from the flat message log by
// grouping a user message with the assistant message sharing its turn
// index. Unpaired user messages (abandoned or still open at crash time)
// are skipped. Returns at most limit pairs, the newest ones.
func pairsFromItems(items []store.Item, limit int) []*Pair {
	var pairs []*Pair
	var current *Pair
	for _, it := range items {
		switch it.Role {
		case RoleUser:
			current = &Pair{Turn: it.Turn, User: messageFromItem(it), State: PairOpen}
		case RoleAssistant:
			if current != nil && current.Turn == it.Turn {
				current.Assistant = messageFromItem(it)
				current.State = PairClosed
				pairs = append(pairs, current)
			}
			current = nil
		}
	}
	if len(pairs) > limit {
		pairs = pairs[len(pairs)-limit:]
	}
	return pairs
}
