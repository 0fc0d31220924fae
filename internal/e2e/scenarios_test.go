package e2e

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/gochat-core/gochat/internal/protocol"
	"github.com/gochat-core/gochat/internal/store"
)

const shortWait = 2 * time.Second

func register(env *testEnv, c *commandClient, user, pass string) {
	c.send("/register " + user + " " + pass)
	line, ok := c.next(shortWait)
	Expect(ok).To(BeTrue())
	Expect(line).To(HavePrefix("OK:"))
}

func login(c *commandClient, user, pass string) string {
	c.send("/login " + user + " " + pass)
	line, ok := c.next(shortWait)
	Expect(ok).To(BeTrue())
	Expect(line).To(HavePrefix("OK: logged in SESSION: "))
	return line[len("OK: logged in SESSION: "):]
}

func authWS(ws *wsClient, token string) {
	Expect(ws.send(protocol.AuthFrame{MessageType: protocol.FrameAuth, SessionToken: token})).To(Succeed())
	raw, ok := ws.next(shortWait)
	Expect(ok).To(BeTrue())
	var resp protocol.AuthResponseFrame
	Expect(json.Unmarshal(raw, &resp)).To(Succeed())
	Expect(resp.Success).To(BeTrue())
}

var _ = Describe("gochat end-to-end scenarios", func() {
	var env *testEnv

	BeforeEach(func() {
		env = newTestEnv()
	})

	AfterEach(func() {
		env.close()
	})

	// Scenario 1: Kick on re-login.
	It("kicks the first real-time session when the same user logs in again", func() {
		cmd := dialCommand(env.cmdLn.Addr().String())
		defer cmd.close()
		register(env, cmd, "alice", "pw1")
		token1 := login(cmd, "alice", "pw1")

		ctx, cancel := context.WithTimeout(context.Background(), shortWait)
		defer cancel()
		wsA, err := dialWS(ctx, env.wsURL)
		Expect(err).NotTo(HaveOccurred())
		defer wsA.close()
		authWS(wsA, token1)

		token2 := login(cmd, "alice", "pw1")
		Expect(token2).NotTo(Equal(token1))

		raw, ok := wsA.next(shortWait)
		Expect(ok).To(BeTrue())
		var kicked protocol.KickedOutFrame
		Expect(json.Unmarshal(raw, &kicked)).To(Succeed())
		Expect(kicked.MessageType).To(Equal(protocol.FrameKickedOut))

		user, err := env.store.GetUserByUsername(context.Background(), "alice")
		Expect(err).NotTo(HaveOccurred())
		events, err := env.store.AuditEvents(context.Background(), user.ID)
		Expect(err).NotTo(HaveOccurred())

		var loginCount, kickedCount int
		for _, e := range events {
			switch e.EventKind {
			case store.EventLoginSuccess:
				loginCount++
			case store.EventKickedOut:
				kickedCount++
			}
		}
		Expect(loginCount).To(Equal(2))
		Expect(kickedCount).To(Equal(1))
	})

	// Scenario 2: Persist-then-deliver.
	It("persists a private message before fanning it out, and echoes to the sender", func() {
		cmd := dialCommand(env.cmdLn.Addr().String())
		defer cmd.close()
		register(env, cmd, "alice", "pw1")
		aliceToken := login(cmd, "alice", "pw1")

		cmd2 := dialCommand(env.cmdLn.Addr().String())
		defer cmd2.close()
		register(env, cmd2, "bob", "pw2")
		bobToken := login(cmd2, "bob", "pw2")

		ctx, cancel := context.WithTimeout(context.Background(), shortWait)
		defer cancel()
		wsAlice, err := dialWS(ctx, env.wsURL)
		Expect(err).NotTo(HaveOccurred())
		defer wsAlice.close()
		authWS(wsAlice, aliceToken)

		wsBob, err := dialWS(ctx, env.wsURL)
		Expect(err).NotTo(HaveOccurred())
		defer wsBob.close()
		authWS(wsBob, bobToken)

		Expect(wsAlice.send(protocol.SendMessageFrame{
			MessageType: protocol.FrameSendMessage,
			ChatType:    protocol.ChatPrivate,
			ToUser:      "bob",
			Content:     "hello",
		})).To(Succeed())

		bobRaw, ok := wsBob.next(shortWait)
		Expect(ok).To(BeTrue())
		var bobFrame protocol.IncomingMessageFrame
		Expect(json.Unmarshal(bobRaw, &bobFrame)).To(Succeed())
		Expect(bobFrame.From).To(Equal("alice"))
		Expect(bobFrame.Content).To(Equal("hello"))

		aliceRaw, ok := wsAlice.next(shortWait)
		Expect(ok).To(BeTrue())
		var echoFrame protocol.IncomingMessageFrame
		Expect(json.Unmarshal(aliceRaw, &echoFrame)).To(Succeed())
		Expect(echoFrame.Content).To(Equal("hello"))

		alice, err := env.store.GetUserByUsername(context.Background(), "alice")
		Expect(err).NotTo(HaveOccurred())
		bob, err := env.store.GetUserByUsername(context.Background(), "bob")
		Expect(err).NotTo(HaveOccurred())
		rows, err := env.store.GetPrivateMessages(context.Background(), alice.ID, bob.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(rows).To(HaveLen(1))
		Expect(rows[0].Content).To(ContainSubstring("nonce"))
	})

	// Scenario 3: Auto-login preserves siblings (modeled without an actual
	// process restart: a second independent connection validates T1 while
	// the original socket is simply torn down, then a fresh login issues
	// T2 and invalidates T1).
	It("invalidates the old token once a new login issues a new one", func() {
		cmd := dialCommand(env.cmdLn.Addr().String())
		register(env, cmd, "alice", "pw1")
		token1 := login(cmd, "alice", "pw1")
		cmd.close()

		cmd2 := dialCommand(env.cmdLn.Addr().String())
		defer cmd2.close()
		cmd2.send("/validate_session " + token1)
		line, ok := cmd2.next(shortWait)
		Expect(ok).To(BeTrue())
		Expect(line).To(Equal("OK: alice"))

		token2 := login(cmd2, "alice", "pw1")
		Expect(token2).NotTo(Equal(token1))

		cmd2.send("/validate_session " + token1)
		line, ok = cmd2.next(shortWait)
		Expect(ok).To(BeTrue())
		Expect(line).To(Equal("ERR: invalid session"))
	})

	// Scenario 4: Decryption failure is contained.
	It("surfaces a decryption-failure placeholder for a tampered row without losing other rows", func() {
		cmd := dialCommand(env.cmdLn.Addr().String())
		defer cmd.close()
		register(env, cmd, "alice", "pw1")
		aliceToken := login(cmd, "alice", "pw1")

		cmd2 := dialCommand(env.cmdLn.Addr().String())
		defer cmd2.close()
		register(env, cmd2, "bob", "pw2")
		login(cmd2, "bob", "pw2")

		cmd.send("/send_private " + aliceToken + " bob hello")
		_, ok := cmd.next(shortWait)
		Expect(ok).To(BeTrue())
		cmd.send("/send_private " + aliceToken + " bob world")
		_, ok = cmd.next(shortWait)
		Expect(ok).To(BeTrue())

		alice, _ := env.store.GetUserByUsername(context.Background(), "alice")
		bob, _ := env.store.GetUserByUsername(context.Background(), "bob")

		// Insert a third row whose envelope parses as valid JSON but whose
		// ciphertext/nonce authenticate against nothing: a stand-in for a
		// tampered row without needing raw SQL access from this package.
		corrupt, err := json.Marshal(struct {
			Ciphertext string `json:"ciphertext"`
			Nonce      string `json:"nonce"`
		}{
			Ciphertext: base64.StdEncoding.EncodeToString(make([]byte, 16)),
			Nonce:      base64.StdEncoding.EncodeToString(make([]byte, 12)),
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(env.store.InsertPrivateMessage(context.Background(), uuid.NewString(), alice.ID, bob.ID, string(corrupt), time.Now().UTC())).To(Succeed())

		cmd.send("/get_private_messages " + aliceToken + " bob")
		first, ok := cmd.next(shortWait)
		Expect(ok).To(BeTrue())
		Expect(first).To(Equal("OK: Private messages:"))

		var lines []string
		for i := 0; i < 3; i++ {
			l, ok := cmd.next(shortWait)
			Expect(ok).To(BeTrue())
			lines = append(lines, l)
		}
		Expect(lines).To(ContainElement(ContainSubstring("hello")))
		Expect(lines).To(ContainElement(ContainSubstring("world")))
		Expect(lines).To(ContainElement(ContainSubstring("[DECRYPTION FAILED]")))
	})

	// Scenario 5: Group fan-out.
	It("fans a group message out to every other live member and echoes to the sender", func() {
		cmdA := dialCommand(env.cmdLn.Addr().String())
		defer cmdA.close()
		register(env, cmdA, "a", "pw")
		tokenA := login(cmdA, "a", "pw")

		cmdB := dialCommand(env.cmdLn.Addr().String())
		defer cmdB.close()
		register(env, cmdB, "b", "pw")
		tokenB := login(cmdB, "b", "pw")

		cmdC := dialCommand(env.cmdLn.Addr().String())
		defer cmdC.close()
		register(env, cmdC, "c", "pw")
		tokenC := login(cmdC, "c", "pw")

		cmdA.send("/create_group " + tokenA + " g")
		createLine, ok := cmdA.next(shortWait)
		Expect(ok).To(BeTrue())
		Expect(createLine).To(HavePrefix("OK: "))
		groupID := createLine[len("OK: "):]

		cmdA.send("/invite " + tokenA + " b g")
		_, ok = cmdA.next(shortWait)
		Expect(ok).To(BeTrue())
		cmdA.send("/invite " + tokenA + " c g")
		_, ok = cmdA.next(shortWait)
		Expect(ok).To(BeTrue())

		cmdB.send("/my_invites " + tokenB)
		inviteLineB, ok := cmdB.next(shortWait)
		Expect(ok).To(BeTrue())
		inviteIDB := parseFirstID(inviteLineB)
		cmdB.send("/accept_invite " + tokenB + " " + inviteIDB)
		_, ok = cmdB.next(shortWait)
		Expect(ok).To(BeTrue())

		cmdC.send("/my_invites " + tokenC)
		inviteLineC, ok := cmdC.next(shortWait)
		Expect(ok).To(BeTrue())
		inviteIDC := parseFirstID(inviteLineC)
		cmdC.send("/accept_invite " + tokenC + " " + inviteIDC)
		_, ok = cmdC.next(shortWait)
		Expect(ok).To(BeTrue())

		ctx, cancel := context.WithTimeout(context.Background(), shortWait)
		defer cancel()
		wsA, err := dialWS(ctx, env.wsURL)
		Expect(err).NotTo(HaveOccurred())
		defer wsA.close()
		authWS(wsA, tokenA)

		wsB, err := dialWS(ctx, env.wsURL)
		Expect(err).NotTo(HaveOccurred())
		defer wsB.close()
		authWS(wsB, tokenB)

		wsC, err := dialWS(ctx, env.wsURL)
		Expect(err).NotTo(HaveOccurred())
		defer wsC.close()
		authWS(wsC, tokenC)

		Expect(wsA.send(protocol.SendMessageFrame{
			MessageType: protocol.FrameSendMessage,
			ChatType:    protocol.ChatGroup,
			GroupID:     groupID,
			Content:     "hi all",
		})).To(Succeed())

		for _, ws := range []*wsClient{wsB, wsC, wsA} {
			raw, ok := ws.next(shortWait)
			Expect(ok).To(BeTrue())
			var frame protocol.IncomingMessageFrame
			Expect(json.Unmarshal(raw, &frame)).To(Succeed())
			Expect(frame.Content).To(Equal("hi all"))
			Expect(frame.From).To(Equal("a"))
		}

		rows, err := env.store.GetGroupMessages(context.Background(), groupID)
		Expect(err).NotTo(HaveOccurred())
		Expect(rows).To(HaveLen(1))
	})

	// Logout tears down only the user's other connections, never the one
	// that issued the /logout command itself.
	It("does not kick the connection that issued the logout", func() {
		cmd := dialCommand(env.cmdLn.Addr().String())
		defer cmd.close()
		register(env, cmd, "alice", "pw1")
		token := login(cmd, "alice", "pw1")

		cmd.send("/logout " + token)
		line, ok := cmd.next(shortWait)
		Expect(ok).To(BeTrue())
		Expect(line).To(Equal("OK: logged out"))

		_, ok = cmd.next(300 * time.Millisecond)
		Expect(ok).To(BeFalse(), "logout must not be followed by an unsolicited kicked_out line")

		user, err := env.store.GetUserByUsername(context.Background(), "alice")
		Expect(err).NotTo(HaveOccurred())
		events, err := env.store.AuditEvents(context.Background(), user.ID)
		Expect(err).NotTo(HaveOccurred())

		var logoutCount, kickedCount int
		for _, e := range events {
			switch e.EventKind {
			case store.EventLogout:
				logoutCount++
			case store.EventKickedOut:
				kickedCount++
			}
		}
		Expect(logoutCount).To(Equal(1))
		Expect(kickedCount).To(Equal(0))
	})

	// Scenario 6: Single-session invariant under race.
	It("leaves exactly one session row after two concurrent logins", func() {
		setupCmd := dialCommand(env.cmdLn.Addr().String())
		register(env, setupCmd, "alice", "pw1")
		setupCmd.close()

		results := make(chan string, 2)
		for i := 0; i < 2; i++ {
			go func() {
				c := dialCommand(env.cmdLn.Addr().String())
				defer c.close()
				results <- login(c, "alice", "pw1")
			}()
		}

		t1 := <-results
		t2 := <-results
		Expect(t1).NotTo(BeEmpty())
		Expect(t2).NotTo(BeEmpty())

		alice, err := env.store.GetUserByUsername(context.Background(), "alice")
		Expect(err).NotTo(HaveOccurred())
		n, err := env.store.CountSessions(context.Background(), alice.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(1))
	})
})

func parseFirstID(line string) string {
	body := line[len("OK: "):]
	for i := 0; i < len(body); i++ {
		if body[i] == ':' {
			return body[:i]
		}
	}
	return body
}
