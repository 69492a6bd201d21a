package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"kama_relay_server/internal/dto/respond"
	"kama_relay_server/internal/infrastructure/mq"
	"kama_relay_server/internal/service/presence"
	"kama_relay_server/internal/service/registry"
	"kama_relay_server/pkg/errorx"
)

func TestSendAcknowledgesAndFansOut(t *testing.T) {
	h := newHarness(t)
	h.dir.set("c1", "u1", "u2")
	u2 := h.connect(t, "u2", "c1")
	outsider := h.connect(t, "u3")

	ack, err := h.engine.Send(context.Background(), "u1", sendReq("t1", "c1", "u1", "u2"))
	if err != nil {
		t.Fatal(err)
	}
	if ack.MessageID == 0 || ack.Seq != 1 || ack.Duplicate {
		t.Fatalf("unexpected ack %+v", ack)
	}

	f := nextFrame(t, u2)
	if f.Type != respond.FrameMessage {
		t.Fatalf("frame type = %s", f.Type)
	}
	var msg respond.MessageEvent
	if err := json.Unmarshal(f.Data, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.MessageID != ack.MessageID || msg.SenderID != "u1" || string(msg.RecipientKeys["u2"]) != "wrapped-u2" {
		t.Fatalf("unexpected event %+v", msg)
	}
	expectNoFrame(t, outsider)
}

func TestSendRecipientKeysMustMatchParticipants(t *testing.T) {
	h := newHarness(t)
	h.dir.set("c1", "u1", "u2")

	// 缺少发送者自己的密钥
	_, err := h.engine.Send(context.Background(), "u1", sendReq("t1", "c1", "u2"))
	if !errors.Is(err, errorx.ErrIncompleteRecipients) {
		t.Fatalf("expected IncompleteRecipients, got %v", err)
	}
	// 多出非成员
	_, err = h.engine.Send(context.Background(), "u1", sendReq("t2", "c1", "u1", "u2", "u9"))
	if !errors.Is(err, errorx.ErrIncompleteRecipients) {
		t.Fatalf("expected IncompleteRecipients for extra key, got %v", err)
	}
	if errorx.Retryable(err) {
		t.Fatal("IncompleteRecipients needs the client to re-fetch keys")
	}
	if h.store.appendCalls != 0 {
		t.Fatal("rejected sends must not reach the store")
	}
	if _, err := h.engine.Send(context.Background(), "u1", sendReq("t3", "c1", "u1", "u2")); err != nil {
		t.Fatalf("send with both keys: %v", err)
	}
}

func TestSendRejectsNonParticipant(t *testing.T) {
	h := newHarness(t)
	h.dir.set("c1", "u1", "u2")

	_, err := h.engine.Send(context.Background(), "u3", sendReq("t1", "c1", "u1", "u2", "u3"))
	if !errors.Is(err, errorx.ErrUnauthorized) {
		t.Fatalf("expected Unauthorized, got %v", err)
	}
	_, err = h.engine.Send(context.Background(), "u1", sendReq("t1", "nope", "u1"))
	if !errors.Is(err, errorx.ErrUnauthorized) {
		t.Fatalf("unknown chat should be Unauthorized, got %v", err)
	}
}

func TestSendValidatesShape(t *testing.T) {
	h := newHarness(t)
	h.dir.set("c1", "u1", "u2")

	req := sendReq("t1", "c1", "u1", "u2")
	req.Ciphertext = nil
	if _, err := h.engine.Send(context.Background(), "u1", req); !errors.Is(err, errorx.ErrInvalidParam) {
		t.Fatalf("empty ciphertext: %v", err)
	}

	req = sendReq("t1", "c1", "u1", "u2")
	req.Ciphertext = make([]byte, 2048)
	if _, err := h.engine.Send(context.Background(), "u1", req); !errors.Is(err, errorx.ErrInvalidParam) {
		t.Fatalf("oversized ciphertext: %v", err)
	}

	req = sendReq("t1", "c1", "u1", "u2")
	req.Kind = "system"
	if _, err := h.engine.Send(context.Background(), "u1", req); !errors.Is(err, errorx.ErrInvalidParam) {
		t.Fatalf("clients cannot send system messages: %v", err)
	}
}

func TestSendIsIdempotentPerClientToken(t *testing.T) {
	h := newHarness(t)
	h.dir.set("c1", "u1", "u2")
	u2 := h.connect(t, "u2", "c1")

	first, err := h.engine.Send(context.Background(), "u1", sendReq("t1", "c1", "u1", "u2"))
	if err != nil {
		t.Fatal(err)
	}
	second, err := h.engine.Send(context.Background(), "u1", sendReq("t1", "c1", "u1", "u2"))
	if err != nil {
		t.Fatal(err)
	}
	if first.MessageID != second.MessageID || !second.Duplicate {
		t.Fatalf("acks differ: %+v vs %+v", first, second)
	}
	if n := h.store.count("c1"); n != 1 {
		t.Fatalf("committed %d envelopes", n)
	}
	nextFrame(t, u2)
	expectNoFrame(t, u2)
}

func TestSendRetriesTransientStoreFailures(t *testing.T) {
	h := newHarness(t)
	h.dir.set("c1", "u1", "u2")
	h.store.failAppends = 3

	ack, err := h.engine.Send(context.Background(), "u1", sendReq("t1", "c1", "u1", "u2"))
	if err != nil {
		t.Fatalf("send should recover after 3 failures: %v", err)
	}
	if ack.MessageID == 0 || h.store.count("c1") != 1 || h.store.appendCalls != 4 {
		t.Fatalf("ack=%+v committed=%d calls=%d", ack, h.store.count("c1"), h.store.appendCalls)
	}
}

func TestSendFailsAfterRetriesExhausted(t *testing.T) {
	h := newHarness(t)
	h.dir.set("c1", "u1", "u2")
	h.store.failAppends = 100

	_, err := h.engine.Send(context.Background(), "u1", sendReq("t1", "c1", "u1", "u2"))
	if !errors.Is(err, errorx.ErrSendFailed) {
		t.Fatalf("expected SendFailed, got %v", err)
	}
	if !errorx.Retryable(err) {
		t.Fatal("SendFailed should be retryable with the same token")
	}
	if h.store.appendCalls != 5 {
		t.Fatalf("attempts = %d", h.store.appendCalls)
	}
}

func TestSendSurvivesCallerCancellation(t *testing.T) {
	h := newHarness(t)
	h.dir.set("c1", "u1", "u2")

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // 连接已经断开
	if _, err := h.engine.Send(ctx, "u1", sendReq("t1", "c1", "u1", "u2")); err != nil {
		t.Fatalf("persistence should not depend on the caller context: %v", err)
	}
	if h.store.count("c1") != 1 {
		t.Fatal("envelope not committed")
	}
}

func TestPublishFailureStillAcknowledges(t *testing.T) {
	h := newHarness(t)
	h.dir.set("c1", "u1", "u2")
	_ = h.bus.Close()

	ack, err := h.engine.Send(context.Background(), "u1", sendReq("t1", "c1", "u1", "u2"))
	if err != nil {
		t.Fatalf("bus outage must not fail the send: %v", err)
	}
	if ack.MessageID == 0 || h.store.count("c1") != 1 {
		t.Fatal("message should be durable and acknowledged")
	}
}

func TestConcurrentSendsGetDistinctOrderedIDs(t *testing.T) {
	h := newHarness(t)
	h.dir.set("c1", "u1", "u2")
	u2 := h.connect(t, "u2", "c1")

	const n = 10
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		acks []*respond.Ack
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ack, err := h.engine.Send(context.Background(), "u1", sendReq(fmt.Sprintf("t%d", i), "c1", "u1", "u2"))
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			acks = append(acks, ack)
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	sort.Slice(acks, func(i, j int) bool { return acks[i].Seq < acks[j].Seq })
	for i, a := range acks {
		if a.Seq != int64(i+1) {
			t.Fatalf("seq gap at %d: %+v", i, a)
		}
		if i > 0 && a.MessageID <= acks[i-1].MessageID {
			t.Fatalf("ids not increasing with seq: %d then %d", acks[i-1].MessageID, a.MessageID)
		}
	}

	// 订阅者按提交顺序收到
	var last int64
	for i := 0; i < n; i++ {
		var msg respond.MessageEvent
		_ = json.Unmarshal(nextFrame(t, u2).Data, &msg)
		if msg.Seq != last+1 {
			t.Fatalf("fanout out of commit order: got seq %d after %d", msg.Seq, last)
		}
		last = msg.Seq
	}
}

func TestSendAuthorizesAgainstCurrentMembers(t *testing.T) {
	h := newHarness(t)
	h.dir.set("c1", "u1", "u2", "u3")
	h.dir.stale["c1"] = []string{"u1", "u2"} // u3 刚加入，缓存还没更新

	if _, err := h.engine.Send(context.Background(), "u1", sendReq("t1", "c1", "u1", "u2", "u3")); err != nil {
		t.Fatalf("send with current members should pass: %v", err)
	}
	if h.dir.currentRead != 1 {
		t.Fatalf("current reads = %d", h.dir.currentRead)
	}
}

func TestRemovedSenderRejectedDespiteStaleCache(t *testing.T) {
	h := newHarness(t)
	h.dir.set("c1", "u2", "u3")
	h.dir.stale["c1"] = []string{"u1", "u2"} // u1 已被移出，缓存还是旧成员

	_, err := h.engine.Send(context.Background(), "u1", sendReq("t1", "c1", "u1", "u2"))
	if !errors.Is(err, errorx.ErrUnauthorized) {
		t.Fatalf("expected Unauthorized, got %v", err)
	}
	if n := h.store.count("c1"); n != 0 {
		t.Fatalf("committed %d envelopes from a removed sender", n)
	}

	// 回源后缓存也随之更新
	if got, _ := h.dir.ParticipantsOf(context.Background(), "c1"); len(got) != 2 || got[0] != "u2" {
		t.Fatalf("cache not refreshed: %v", got)
	}
}

func TestDeleteOnlyBySenderAndFansOut(t *testing.T) {
	h := newHarness(t)
	h.dir.set("c1", "u1", "u2")
	u2 := h.connect(t, "u2", "c1")

	ack, _ := h.engine.Send(context.Background(), "u1", sendReq("t1", "c1", "u1", "u2"))
	nextFrame(t, u2)

	if _, err := h.engine.Delete(context.Background(), "u2", ack.MessageID); !errors.Is(err, errorx.ErrForbidden) {
		t.Fatalf("expected Forbidden, got %v", err)
	}
	env, err := h.engine.Delete(context.Background(), "u1", ack.MessageID)
	if err != nil {
		t.Fatal(err)
	}
	if !env.IsDeleted() || env.Ciphertext != nil {
		t.Fatal("deleted envelope should be redacted")
	}
	f := nextFrame(t, u2)
	if f.Type != respond.FrameDeleted {
		t.Fatalf("frame type = %s", f.Type)
	}
}

func TestMarkReadSendsReceiptToSender(t *testing.T) {
	h := newHarness(t)
	h.dir.set("c1", "u1", "u2")
	u1 := h.connect(t, "u1", "c1")

	ack, _ := h.engine.Send(context.Background(), "u1", sendReq("t1", "c1", "u1", "u2"))
	nextFrame(t, u1) // 自己的消息也会到达其他设备

	if _, err := h.engine.MarkRead(context.Background(), "u2", ack.MessageID); err != nil {
		t.Fatal(err)
	}
	f := nextFrame(t, u1)
	if f.Type != respond.FrameRead {
		t.Fatalf("frame type = %s", f.Type)
	}
	var rd respond.ReadEvent
	_ = json.Unmarshal(f.Data, &rd)
	if rd.Identity != "u2" || rd.MessageID != ack.MessageID {
		t.Fatalf("unexpected receipt %+v", rd)
	}

	unread, err := h.engine.UnreadCount(context.Background(), "u2", "c1")
	if err != nil || unread.Count != 0 {
		t.Fatalf("unread=%v err=%v", unread, err)
	}
}

func TestResyncReturnsGapInSeqOrder(t *testing.T) {
	h := newHarness(t)
	h.dir.set("c1", "u1", "u2")
	for i := 0; i < 5; i++ {
		if _, err := h.engine.Send(context.Background(), "u1", sendReq(fmt.Sprintf("t%d", i), "c1", "u1", "u2")); err != nil {
			t.Fatal(err)
		}
	}
	res, err := h.engine.Resync(context.Background(), "u2", "c1", 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Items) != 2 || res.Items[0].Seq != 3 || res.Items[1].Seq != 4 || !res.HasMore {
		t.Fatalf("unexpected resync %+v", res)
	}
	if _, err := h.engine.Resync(context.Background(), "u9", "c1", 0, 10); !errors.Is(err, errorx.ErrUnauthorized) {
		t.Fatalf("non participant resync: %v", err)
	}

	page, err := h.engine.History(context.Background(), "u2", "c1", "", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Items) != 3 || page.Items[0].Seq != 5 {
		t.Fatalf("history should be newest first: %+v", page.Items)
	}
}

func TestSubscribeRequiresParticipant(t *testing.T) {
	h := newHarness(t)
	h.dir.set("c1", "u1", "u2")
	s := registry.NewSession("u3", 4)
	_ = h.reg.Register(s)
	if err := h.engine.SubscribeSession(context.Background(), s, "c1"); !errors.Is(err, errorx.ErrUnauthorized) {
		t.Fatalf("expected Unauthorized, got %v", err)
	}
	if len(h.reg.SessionsInChat("c1")) != 0 {
		t.Fatal("rejected subscriber was indexed")
	}
}

func TestChatSubscriptionRefCount(t *testing.T) {
	h := newHarness(t)
	if err := h.engine.EnsureChatSubscription("c1"); err != nil {
		t.Fatal(err)
	}
	_ = h.engine.EnsureChatSubscription("c1")
	h.engine.ReleaseChatSubscription("c1")
	subs := h.engine.subs[stripe("c1")]
	subs.mu.Lock()
	if subs.count["c1"] != 1 {
		t.Fatalf("count = %d", subs.count["c1"])
	}
	subs.mu.Unlock()
	h.engine.ReleaseChatSubscription("c1")
	h.engine.ReleaseChatSubscription("c1") // 多余的释放不出错
	subs.mu.Lock()
	defer subs.mu.Unlock()
	if _, ok := subs.unsub["c1"]; ok {
		t.Fatal("bus subscription kept after last release")
	}
}

func TestTypingAndPresenceReachChatPeers(t *testing.T) {
	h := newHarness(t)
	tracker := presence.NewTracker(h.bus, "i1", presence.Options{
		AwayAfter: 35 * time.Second, ExpireAfter: 60 * time.Second, TypingTTL: 5 * time.Second,
	})
	h.engine = New(Deps{Store: h.store, Chats: h.dir, Bus: h.bus, Registry: h.reg, Presence: tracker}, testOptions())
	h.dir.set("c1", "u1", "u2")
	u1 := h.connect(t, "u1", "c1")
	u2 := h.connect(t, "u2", "c1")

	if err := h.engine.SetTyping(context.Background(), u1, "c1", true); err != nil {
		t.Fatal(err)
	}
	f := nextFrame(t, u2)
	if f.Type != respond.FrameTyping {
		t.Fatalf("frame type = %s", f.Type)
	}
	expectNoFrame(t, u1)

	if err := tracker.Heartbeat(context.Background(), "u1", u1.Chats()); err != nil {
		t.Fatal(err)
	}
	f = nextFrame(t, u2)
	var pe respond.PresenceEvent
	_ = json.Unmarshal(f.Data, &pe)
	if f.Type != respond.FramePresence || pe.Identity != "u1" || pe.Status != string(presence.StatusOnline) {
		t.Fatalf("unexpected presence frame %s %+v", f.Type, pe)
	}

	other := registry.NewSession("u1", 4)
	_ = h.reg.Register(other)
	if err := h.engine.SetTyping(context.Background(), other, "c1", true); !errors.Is(err, errorx.ErrUnauthorized) {
		t.Fatalf("typing without subscription: %v", err)
	}
}

func TestSlowConsumerIsClosed(t *testing.T) {
	h := newHarness(t)
	h.dir.set("c1", "u1", "u2")
	slow := registry.NewSession("u2", 1)
	_ = h.reg.Register(slow)
	if err := h.engine.SubscribeSession(context.Background(), slow, "c1"); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if _, err := h.engine.Send(context.Background(), "u1", sendReq(fmt.Sprintf("t%d", i), "c1", "u1", "u2")); err != nil {
			t.Fatal(err)
		}
	}
	select {
	case <-slow.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("slow consumer should be closed")
	}
}

func TestErrorFrame(t *testing.T) {
	ef := ErrorFrame("t1", errorx.ErrSendFailed)
	if ef.Code != errorx.CodeSendFailed || !ef.Retryable || ef.ClientToken != "t1" {
		t.Fatalf("unexpected frame %+v", ef)
	}
	ef = ErrorFrame("", errors.New("boom"))
	if ef.Code != errorx.CodeServerBusy || ef.Msg != errorx.ErrServerBusy.Msg {
		t.Fatalf("unexpected frame %+v", ef)
	}
}

var _ mq.Bus = (*mq.ChannelBus)(nil)
