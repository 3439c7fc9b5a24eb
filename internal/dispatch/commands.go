package dispatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/advbbs/advbbs/internal/board"
	"github.com/advbbs/advbbs/internal/mail"
	"github.com/advbbs/advbbs/internal/session"
	"github.com/advbbs/advbbs/internal/shared"
)

// RegisterDefaultCommands wires the standard command set into d: account
// management against sessions, mail send/read/reply against mailEngine, and
// board post/read against boardEngine. Handlers return errors unchanged;
// federation.Router sends the error's text back to the invoking node as the
// reply.
func RegisterDefaultCommands(d *Dispatcher, sessions *session.Engine, mailEngine *mail.Engine, boardEngine *board.Engine) {
	d.Register(Command{Name: "register", Access: AccessAlways, Handler: registerHandler(sessions)})
	d.Register(Command{Name: "login", Access: AccessAlways, Handler: loginHandler(sessions, d)})
	d.Register(Command{Name: "logout", Access: AccessAuthenticated, Handler: logoutHandler(sessions, d)})
	d.Register(Command{Name: "whoami", Access: AccessAuthenticated, Handler: whoamiHandler()})
	d.Register(Command{Name: "passwd", Access: AccessAuthenticated, Handler: passwdHandler(sessions)})
	d.Register(Command{Name: "addnode", Access: AccessAuthenticated, Handler: addNodeHandler(sessions)})
	d.Register(Command{Name: "removenode", Access: AccessAuthenticated, Handler: removeNodeHandler(sessions)})
	d.Register(Command{Name: "nodes", Access: AccessAuthenticated, Handler: nodesHandler(sessions)})
	d.Register(Command{Name: "recover", Alias: "rec", Access: AccessAdmin, Handler: recoverHandler(sessions)})

	d.Register(Command{Name: "send", Access: AccessAuthenticated, Handler: sendHandler(mailEngine)})
	d.Register(Command{Name: "reply", Access: AccessAuthenticated, Handler: replyHandler(mailEngine)})
	d.Register(Command{Name: "mail", Alias: "inbox", Access: AccessAuthenticated, Handler: mailHandler(mailEngine, d)})

	d.Register(Command{Name: "post", Access: AccessAuthenticated, Handler: postHandler(boardEngine, d)})
	d.Register(Command{Name: "read", Alias: "r", Access: AccessSyncBoardOrAuth, Handler: readHandler(boardEngine)})
	d.Register(Command{Name: "board", Alias: "b", Access: AccessAuthenticated, Handler: enterBoardHandler(d)})
	d.Register(Command{Name: "syncboard", Access: AccessAdmin, Handler: syncBoardHandler(boardEngine)})

	d.Register(Command{Name: "help", Access: AccessAlways, Handler: helpHandler()})
}

func registerHandler(sessions *session.Engine) Handler {
	return func(ctx context.Context, node string, args []string, sess *session.Session) (string, error) {
		if len(args) != 2 {
			return "", shared.ErrBadSyntax
		}
		_, err := sessions.Register(ctx, args[0], args[1], node)
		if err != nil {
			return "", err
		}
		return "registered. use !login " + args[0] + " <password> to continue.", nil
	}
}

func loginHandler(sessions *session.Engine, d *Dispatcher) Handler {
	return func(ctx context.Context, node string, args []string, sess *session.Session) (string, error) {
		if len(args) != 2 {
			return "", shared.ErrBadSyntax
		}
		newSess, err := sessions.Login(ctx, args[0], args[1], node)
		if err != nil {
			return "", err
		}
		d.BindSession(node, newSess)
		return "welcome, " + newSess.Username, nil
	}
}

func logoutHandler(sessions *session.Engine, d *Dispatcher) Handler {
	return func(ctx context.Context, node string, args []string, sess *session.Session) (string, error) {
		sessions.Logout(ctx, sess.UserID, sess.Node)
		d.UnbindSession(node)
		return "logged out.", nil
	}
}

func whoamiHandler() Handler {
	return func(ctx context.Context, node string, args []string, sess *session.Session) (string, error) {
		return sess.Username + "@" + sess.Node, nil
	}
}

func passwdHandler(sessions *session.Engine) Handler {
	return func(ctx context.Context, node string, args []string, sess *session.Session) (string, error) {
		if len(args) != 2 {
			return "", shared.ErrBadSyntax
		}
		if err := sessions.ChangePassword(ctx, sess, args[0], args[1]); err != nil {
			return "", err
		}
		return "password changed.", nil
	}
}

func addNodeHandler(sessions *session.Engine) Handler {
	return func(ctx context.Context, node string, args []string, sess *session.Session) (string, error) {
		if len(args) != 1 {
			return "", shared.ErrBadSyntax
		}
		if err := sessions.AddNode(ctx, sess, args[0]); err != nil {
			return "", err
		}
		return "node " + args[0] + " bound.", nil
	}
}

func removeNodeHandler(sessions *session.Engine) Handler {
	return func(ctx context.Context, node string, args []string, sess *session.Session) (string, error) {
		if len(args) != 1 {
			return "", shared.ErrBadSyntax
		}
		if err := sessions.RemoveNode(ctx, sess, args[0]); err != nil {
			return "", err
		}
		return "node " + args[0] + " removed.", nil
	}
}

func nodesHandler(sessions *session.Engine) Handler {
	return func(ctx context.Context, node string, args []string, sess *session.Session) (string, error) {
		bindings, err := sessions.ListNodes(ctx, sess)
		if err != nil {
			return "", err
		}
		ids := make([]string, len(bindings))
		for i, b := range bindings {
			ids[i] = b.NodeID
		}
		return strings.Join(ids, ", "), nil
	}
}

func recoverHandler(sessions *session.Engine) Handler {
	return func(ctx context.Context, node string, args []string, sess *session.Session) (string, error) {
		if len(args) != 1 {
			return "", shared.ErrBadSyntax
		}
		passphrase, err := sessions.Recover(ctx, args[0])
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("recovery passphrase for %s: %s", args[0], passphrase), nil
	}
}

// sendHandler parses `!send <localpart>[@CALLSIGN] <body...>`.
func sendHandler(mailEngine *mail.Engine) Handler {
	return func(ctx context.Context, node string, args []string, sess *session.Session) (string, error) {
		if len(args) < 2 {
			return "", shared.ErrBadSyntax
		}
		toUser, toBBS, _ := strings.Cut(args[0], "@")
		body := strings.Join(args[1:], " ")
		msgUUID := uuid.NewString()
		if err := mailEngine.Send(ctx, msgUUID, sess.Username, toUser, toBBS, body); err != nil {
			return "", err
		}
		return "sent.", nil
	}
}

// mailHandler lists and marks-read the session's unread mail, opening a
// mail reply context addressed to the most recently read message's sender
// so a following bare plaintext is an implicit reply to them.
func mailHandler(mailEngine *mail.Engine, d *Dispatcher) Handler {
	return func(ctx context.Context, node string, args []string, sess *session.Session) (string, error) {
		msgs, err := mailEngine.ReadInbox(ctx, sess.Username)
		if err != nil {
			return "", err
		}
		if len(msgs) == 0 {
			return "no new mail.", nil
		}
		lines := make([]string, len(msgs))
		for i, m := range msgs {
			lines[i] = fmt.Sprintf("from %s: %s", m.From, m.Body)
		}
		d.SetMailReplyContext(node, msgs[len(msgs)-1].From)
		return strings.Join(lines, "\n"), nil
	}
}

// replyHandler backs both the explicit `!reply <addr> <body...>` form and the
// bare-plaintext reply-context shorthand, which calls this with args[0]
// pre-filled from the reply context's stored sender address.
func replyHandler(mailEngine *mail.Engine) Handler {
	return func(ctx context.Context, node string, args []string, sess *session.Session) (string, error) {
		if len(args) < 2 {
			return "", shared.ErrBadSyntax
		}
		toUser, toBBS, _ := strings.Cut(args[0], "@")
		body := strings.Join(args[1:], " ")
		msgUUID := uuid.NewString()
		if err := mailEngine.Send(ctx, msgUUID, sess.Username, toUser, toBBS, body); err != nil {
			return "", err
		}
		return "sent.", nil
	}
}

// postHandler parses `!post <board> <subject>|<body>`, opening a board-post
// reply context so the next bare plaintext from this node is an implicit
// follow-up post to the same board.
func postHandler(boardEngine *board.Engine, d *Dispatcher) Handler {
	return func(ctx context.Context, node string, args []string, sess *session.Session) (string, error) {
		if len(args) < 2 {
			return "", shared.ErrBadSyntax
		}
		boardName := args[0]
		subject, body, hasSubject := strings.Cut(strings.Join(args[1:], " "), "|")
		if !hasSubject {
			subject, body = "", subject
		}
		if _, err := boardEngine.PostLocal(ctx, boardName, sess.Username, subject, body); err != nil {
			return "", err
		}
		d.SetBoardPostContext(node, boardName)
		return "posted to " + boardName, nil
	}
}

// syncBoardHandler parses `!syncboard <board> <on|off>`, the admin toggle
// for a board's synced flag (§3's max_synced_boards ceiling is enforced by
// board.Engine.SetBoardSynced, not here).
func syncBoardHandler(boardEngine *board.Engine) Handler {
	return func(ctx context.Context, node string, args []string, sess *session.Session) (string, error) {
		if len(args) != 2 {
			return "", shared.ErrBadSyntax
		}
		var synced bool
		switch strings.ToLower(args[1]) {
		case "on":
			synced = true
		case "off":
			synced = false
		default:
			return "", shared.ErrBadSyntax
		}
		if err := boardEngine.SetBoardSynced(ctx, args[0], synced); err != nil {
			return "", err
		}
		if synced {
			return args[0] + " is now synced.", nil
		}
		return args[0] + " sync disabled.", nil
	}
}

func readHandler(boardEngine *board.Engine) Handler {
	const defaultLimit = 10
	return func(ctx context.Context, node string, args []string, sess *session.Session) (string, error) {
		if len(args) < 1 {
			return "", shared.ErrBadSyntax
		}
		records, err := boardEngine.ReadRecent(ctx, args[0], defaultLimit)
		if err != nil {
			return "", err
		}
		lines := make([]string, len(records))
		for i, r := range records {
			lines[i] = fmt.Sprintf("%s: %s", r.Author, r.Subject)
		}
		return strings.Join(lines, "\n"), nil
	}
}

// enterBoardHandler opens a board-post reply context so a following bare
// plaintext is treated as a post to this board, without posting anything
// itself.
func enterBoardHandler(d *Dispatcher) Handler {
	return func(ctx context.Context, node string, args []string, sess *session.Session) (string, error) {
		if len(args) != 1 {
			return "", shared.ErrBadSyntax
		}
		d.SetBoardPostContext(node, args[0])
		return "entered " + args[0] + ". plain text now posts here.", nil
	}
}

func helpHandler() Handler {
	return func(ctx context.Context, node string, args []string, sess *session.Session) (string, error) {
		return "commands: register login logout whoami passwd addnode removenode nodes send reply post read board help", nil
	}
}
