// Package serverevent implements the server-initiated push queue spec.md
// §4.3/§4.9 describes: a FIFO of ServerEvent values a Connection drains
// on its next write opportunity, used for auth-request pushes,
// active-external-user broadcasts, and cluster-map-change notifications.
package serverevent

import "sync"

// Pusher is the minimal connection surface an event needs to execute
// itself (spec.md §3 "ServerEvent"). internal/conn.Connection implements
// this.
type Pusher interface {
	SendServerRequest(opcode byte, extras, key, value []byte) error
}

// Event is one server-initiated action (spec.md §3: "execute(connection)
// -> bool"). Execute returns true when the event is done and should be
// dropped from the queue, false when it needs to run again on a future
// write opportunity (e.g. waiting for a SASL continuation).
type Event interface {
	Name() string
	Execute(p Pusher) (done bool, err error)
}

// Queue is a connection's FIFO of pending server events.
type Queue struct {
	mu     sync.Mutex
	events []Event
}

func NewQueue() *Queue { return &Queue{} }

// Push enqueues an event (spec.md §4.3 "enqueueServerEvent").
func (q *Queue) Push(e Event) {
	q.mu.Lock()
	q.events = append(q.events, e)
	q.mu.Unlock()
}

// Empty reports whether there is nothing left to drain.
func (q *Queue) Empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events) == 0
}

// DrainOne executes the head event, requeueing it at the front if it
// reports not-done, and returns whether anything ran.
func (q *Queue) DrainOne(p Pusher) (ran bool, err error) {
	q.mu.Lock()
	if len(q.events) == 0 {
		q.mu.Unlock()
		return false, nil
	}
	head := q.events[0]
	q.events = q.events[1:]
	q.mu.Unlock()

	done, err := head.Execute(p)
	if err != nil {
		return true, err
	}
	if !done {
		q.mu.Lock()
		q.events = append([]Event{head}, q.events...)
		q.mu.Unlock()
	}
	return true, nil
}

// AuthenticationRequest is the server-push event that asks a connection's
// external auth provider for the next SASL step (spec.md §4.9 "external
// auth manager").
type AuthenticationRequest struct {
	Mechanism string
	Challenge []byte

	// Opaque correlates the provider's eventual response back to the
	// authmgr.Manager request that created this event (spec.md §4.10:
	// "the provider's response is correlated by opaque").
	Opaque uint32

	sent bool
}

func (a *AuthenticationRequest) Name() string { return "authentication-request" }

func (a *AuthenticationRequest) Execute(p Pusher) (bool, error) {
	if a.sent {
		return true, nil
	}
	a.sent = true
	const opcodeAuthRequest = 0x20
	if err := p.SendServerRequest(opcodeAuthRequest, nil, []byte(a.Mechanism), a.Challenge); err != nil {
		return true, err
	}
	return true, nil
}

// ActiveUserBroadcast periodically tells connections which external
// identities currently hold a live SASL session (spec.md §4.9, gated by
// config.ServerConfig.ActiveUserBroadcastInterval).
type ActiveUserBroadcast struct {
	Users []string
}

func (a *ActiveUserBroadcast) Name() string { return "active-user-broadcast" }

func (a *ActiveUserBroadcast) Execute(p Pusher) (bool, error) {
	const opcodeActiveExternalUsers = 0x21
	body := []byte(joinComma(a.Users))
	if err := p.SendServerRequest(opcodeActiveExternalUsers, nil, nil, body); err != nil {
		return true, err
	}
	return true, nil
}

func joinComma(items []string) string {
	out := ""
	for i, s := range items {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out
}

// ClusterMapChange notifies a connection that the cluster topology moved
// past the given revision (spec.md §4.9).
type ClusterMapChange struct {
	BucketName string
	Revision   uint64
}

func (c *ClusterMapChange) Name() string { return "clustermap-change-notification" }

func (c *ClusterMapChange) Execute(p Pusher) (bool, error) {
	const opcodeClustermapChangeNotification = 0x22
	if err := p.SendServerRequest(opcodeClustermapChangeNotification, nil, []byte(c.BucketName), nil); err != nil {
		return true, err
	}
	return true, nil
}
