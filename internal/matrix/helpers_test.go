package matrix

import (
	"context"
	"fmt"
	"sync"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

const (
	room = "!club:test"
	me   = "@me:test"
)

type sent struct {
	Room    id.RoomID
	Type    event.Type
	Content interface{}
	Target  id.EventID
	Key     string
	Reason  string
}

// fakeClient serves staged /messages pages and /sync responses
type fakeClient struct {
	mu       sync.Mutex
	pages    map[string]*mautrix.RespMessages
	froms    []string
	syncs    []*mautrix.RespSync
	sent     []sent
	seq      int
	failWith error
}

func newFakeClient() *fakeClient {
	return &fakeClient{pages: make(map[string]*mautrix.RespMessages)}
}

// page stages the response served for a from token
func (c *fakeClient) page(from, end string, events ...*event.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pages[from] = &mautrix.RespMessages{Start: from, End: end, Chunk: events}
}

func (c *fakeClient) Messages(ctx context.Context, roomID id.RoomID, from, to string, dir mautrix.Direction, filter *mautrix.FilterPart, limit int) (*mautrix.RespMessages, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.froms = append(c.froms, from)
	if c.failWith != nil {
		return nil, c.failWith
	}
	resp, ok := c.pages[from]
	if !ok {
		return &mautrix.RespMessages{Start: from}, nil
	}
	return resp, nil
}

func (c *fakeClient) FullSyncRequest(ctx context.Context, req mautrix.ReqSync) (*mautrix.RespSync, error) {
	c.mu.Lock()
	if len(c.syncs) > 0 {
		resp := c.syncs[0]
		c.syncs = c.syncs[1:]
		c.mu.Unlock()
		return resp, nil
	}
	c.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (c *fakeClient) nextID() id.EventID {
	c.seq++
	return id.EventID(fmt.Sprintf("$sent%d", c.seq))
}

func (c *fakeClient) SendMessageEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, contentJSON interface{}, extra ...mautrix.ReqSendEvent) (*mautrix.RespSendEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWith != nil {
		return nil, c.failWith
	}
	c.sent = append(c.sent, sent{Room: roomID, Type: eventType, Content: contentJSON})
	return &mautrix.RespSendEvent{EventID: c.nextID()}, nil
}

func (c *fakeClient) SendReaction(ctx context.Context, roomID id.RoomID, eventID id.EventID, reaction string) (*mautrix.RespSendEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWith != nil {
		return nil, c.failWith
	}
	c.sent = append(c.sent, sent{Room: roomID, Type: event.EventReaction, Target: eventID, Key: reaction})
	return &mautrix.RespSendEvent{EventID: c.nextID()}, nil
}

func (c *fakeClient) RedactEvent(ctx context.Context, roomID id.RoomID, eventID id.EventID, extra ...mautrix.ReqRedact) (*mautrix.RespSendEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWith != nil {
		return nil, c.failWith
	}
	s := sent{Room: roomID, Type: event.EventRedaction, Target: eventID}
	if len(extra) > 0 {
		s.Reason = extra[0].Reason
	}
	c.sent = append(c.sent, s)
	return &mautrix.RespSendEvent{EventID: c.nextID()}, nil
}

func message(eventID string, ts int64, content *event.MessageEventContent) *event.Event {
	return &event.Event{
		ID:        id.EventID(eventID),
		RoomID:    room,
		Sender:    "@alice:test",
		Type:      event.EventMessage,
		Timestamp: ts,
		Content:   event.Content{Parsed: content},
	}
}

func imageMessage(eventID string, ts int64) *event.Event {
	return message(eventID, ts, &event.MessageEventContent{
		MsgType: event.MsgImage,
		Body:    "cat.png",
		URL:     "mxc://test/" + id.ContentURIString(eventID[1:]),
		Info:    &event.FileInfo{MimeType: "image/png", Width: 640, Height: 480, Size: 1024},
	})
}

func textMessage(eventID string, ts int64, body string) *event.Event {
	return message(eventID, ts, &event.MessageEventContent{MsgType: event.MsgText, Body: body})
}
