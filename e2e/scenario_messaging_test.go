package e2e

import (
	"messenger-hub/domain"
	"messenger-hub/errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/suite"
)

type messagingSuite struct {
	BaseHubSuite
}

func TestMessagingSuite(t *testing.T) {
	suite.Run(t, &messagingSuite{})
}

func (s *messagingSuite) TestConversationFlow() {
	room := domain.ConversationID("room-" + uuid.NewString()[:8])
	alice := domain.UserID("alice-" + string(room))
	bob := domain.UserID("bob-" + string(room))

	s.Step("Step 0: create the conversation through the admin API")
	s.AddMember(room, alice)
	s.AddMember(room, bob)

	s.Step("Step 1: both members connect and see each other online")
	alicePhone := s.Connect(alice, "phone")
	bobLaptop := s.Connect(bob, "laptop")
	online := alicePhone.Expect(domain.EnvelopePresence)
	s.Equal(bob, online.UserID)
	s.Equal(domain.Online, online.Status)

	s.Step("Step 2: a message is acked to its sender and pushed to the other member")
	clientMsgID, err := alicePhone.Send(room, "hello bob")
	s.Require().NoError(err)
	ack := alicePhone.Expect(domain.EnvelopeAck)
	s.Equal(clientMsgID, ack.ClientMsgID)
	s.Equal(uint64(1), ack.Sequence)
	s.Equal(domain.Persisted, ack.DeliveryState)
	pushed := bobLaptop.Expect(domain.EnvelopeMessage)
	s.Equal("hello bob", pushed.Body)
	s.Equal(alice, pushed.SenderID)
	s.Equal(ack.MessageID, pushed.MessageID)

	s.Step("Step 3: messages sent while offline are caught up on reconnect")
	s.Require().NoError(bobLaptop.Close())
	s.WaitConnections(1)
	_, err = alicePhone.Send(room, "are you there?")
	s.Require().NoError(err)
	s.Equal(uint64(2), alicePhone.Expect(domain.EnvelopeAck).Sequence)
	bobPhone := s.Connect(bob, "phone")
	caughtUp := bobPhone.Expect(domain.EnvelopeMessage)
	s.Equal("are you there?", caughtUp.Body)
	s.Equal(uint64(2), caughtUp.Sequence)

	s.Step("Step 4: history returns every message in order")
	s.Require().NoError(bobPhone.History(room, 0, 10))
	history := bobPhone.Expect(domain.EnvelopeHistory)
	s.Require().Len(history.Messages, 2)
	s.Equal(uint64(1), history.Messages[0].Sequence)
	s.Equal(uint64(2), history.Messages[1].Sequence)

	s.Step("Step 5: typing is relayed but never stored")
	s.Require().NoError(bobPhone.Typing(room))
	typing := alicePhone.Expect(domain.EnvelopePresence)
	for typing.Status != domain.Typing {
		typing = alicePhone.Expect(domain.EnvelopePresence)
	}
	s.Equal(bob, typing.UserID)
	s.Equal(room, typing.ConversationID)
}

func (s *messagingSuite) TestOutsiderIsRejected() {
	room := domain.ConversationID("room-" + uuid.NewString()[:8])
	s.AddMember(room, "owner-"+domain.UserID(room))
	outsider := s.Connect("outsider-"+domain.UserID(room), "web")

	clientMsgID, err := outsider.Send(room, "let me in")
	s.Require().NoError(err)

	rejected := outsider.Expect(domain.EnvelopeError)
	s.Equal("not_member", rejected.Error)
	s.Equal(clientMsgID, rejected.ClientMsgID)
	outsider.ExpectNothing(domain.EnvelopeAck, 100*time.Millisecond)
}

func (s *messagingSuite) TestInvalidTokenIsClosed() {
	c := s.dialRaw("forged.token.value")
	_, err := c.Next(3 * time.Second)

	s.Require().Error(err)
	s.True(websocket.IsCloseError(err, errors.CloseAuthFailed), "got %v", err)
}
