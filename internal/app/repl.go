package app

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/Dezzy-dev/amara/internal/client"
	"github.com/Dezzy-dev/amara/internal/config"
	"github.com/Dezzy-dev/amara/internal/model"
	"github.com/Dezzy-dev/amara/internal/quota"
)

const replHelp = `commands:
  /new                   start a new conversation
  /voice <file>          send an audio file as a voice note
  /voice-replies on|off  ask Amara to answer voice notes by voice
  /usage                 show today's usage
  /quit                  exit`

// audioTypes はOSのMIME設定に依らず判定する録音形式。
var audioTypes = map[string]string{
	".webm": "audio/webm",
	".ogg":  "audio/ogg",
	".m4a":  "audio/mp4",
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
}

var promptMessages = map[client.PromptReason]string{
	client.PromptTrialEnd:     "Your free trial has ended. Upgrade to keep talking with Amara.",
	client.PromptMessageLimit: "You've reached today's message limit. Upgrade for more, or come back tomorrow.",
	client.PromptVoiceLimit:   "You've used today's voice notes. Upgrade for more.",
}

// runChat はAPIサーバーと会話するターミナルクライアントを起動する。
func runChat(args []string, in io.Reader, out io.Writer) error {
	fs := flag.NewFlagSet("chat", flag.ContinueOnError)
	fs.SetOutput(out)
	name := fs.String("name", "", "your name")
	country := fs.String("country", "", "your country")
	feeling := fs.String("feeling", "", "how you are feeling today")
	voiceReplies := fs.Bool("voice-replies", false, "answer voice notes by voice")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.LoadClient()
	if err != nil {
		return fmt.Errorf("failed to load client config: %w", err)
	}

	deviceID, err := client.NewDeviceStore(cfg.DeviceFile).Load()
	if err != nil {
		return err
	}

	store := client.NewStore(client.NewHTTPBackend(cfg.APIURL, cfg.AccessToken, deviceID, cfg.RequestTimeout))
	store.SetVoiceReplies(*voiceReplies)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r := newREPL(store, out)
	if err := r.start(ctx, client.Profile{Name: *name, Country: *country, Feeling: *feeling}); err != nil {
		return err
	}
	return r.loop(ctx, in)
}

// repl は標準入力の1行を1メッセージとして送信し、新しいメッセージを描画する。
type repl struct {
	store    *client.Store
	out      io.Writer
	readFile func(name string) ([]byte, error)

	sessionID string
	shown     int
}

func newREPL(store *client.Store, out io.Writer) *repl {
	return &repl{store: store, out: out, readFile: os.ReadFile}
}

func (r *repl) start(ctx context.Context, p client.Profile) error {
	if _, err := r.store.Resolve(ctx, p); err != nil {
		return fmt.Errorf("failed to resolve identity: %w", err)
	}
	if _, err := r.store.ResumeOrCreate(ctx); err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	fmt.Fprintln(r.out, "Type a message, or /help for commands.")
	r.render()
	return nil
}

func (r *repl) loop(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(r.out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(r.out)
			return scanner.Err()
		}
		if ctx.Err() != nil {
			return nil
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if quit := r.handle(ctx, line); quit {
			return nil
		}
		r.render()
	}
}

// handle は1行を処理する。終了する場合はtrueを返す。
func (r *repl) handle(ctx context.Context, line string) bool {
	if !strings.HasPrefix(line, "/") {
		r.report(r.store.SendMessage(ctx, line, model.MessageText, false, ""))
		return false
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Fprintln(r.out, replHelp)
	case "/new":
		_, err := r.store.StartNewSession(ctx)
		r.report(err)
	case "/voice":
		r.report(r.sendVoice(ctx, arg))
	case "/voice-replies":
		switch arg {
		case "on":
			r.store.SetVoiceReplies(true)
		case "off":
			r.store.SetVoiceReplies(false)
		default:
			fmt.Fprintln(r.out, "usage: /voice-replies on|off")
		}
	case "/usage":
		r.printUsage()
	default:
		fmt.Fprintf(r.out, "unknown command %s (try /help)\n", cmd)
	}
	return false
}

func (r *repl) sendVoice(ctx context.Context, path string) error {
	if path == "" {
		return errors.New("usage: /voice <file>")
	}
	audio, err := r.readFile(path)
	if err != nil {
		return err
	}
	ext := strings.ToLower(filepath.Ext(path))
	contentType, ok := audioTypes[ext]
	if !ok {
		contentType = mime.TypeByExtension(ext)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return r.store.SubmitVoiceNote(ctx, audio, contentType)
}

// report は送信エラーを表示する。クォータ超過は案内として描画されるため表示しない。
func (r *repl) report(err error) {
	var qe *client.QuotaError
	switch {
	case err == nil, errors.As(err, &qe):
	case errors.Is(err, client.ErrTranscriptionFailed):
		fmt.Fprintln(r.out, "! Sorry, I couldn't understand that voice note. Please try again.")
	case errors.Is(err, client.ErrBackendUnavailable):
		fmt.Fprintln(r.out, "! Amara is unreachable right now. Please try again in a moment.")
	default:
		fmt.Fprintf(r.out, "! %v\n", err)
	}
}

// render は前回の描画以降に追加されたメッセージとアップグレード案内を出力する。
func (r *repl) render() {
	st := r.store.Snapshot()

	if st.Session != nil && st.Session.ID != r.sessionID {
		r.sessionID = st.Session.ID
		r.shown = 0
		fmt.Fprintf(r.out, "-- conversation %s --\n", st.Session.CreatedAt.Local().Format("Jan 2 15:04"))
	}
	if r.shown > len(st.Messages) {
		r.shown = len(st.Messages)
	}

	for _, m := range st.Messages[r.shown:] {
		if m.Animating {
			break
		}
		r.shown++
		switch {
		case m.Sender == model.SenderAssistant:
			fmt.Fprintf(r.out, "amara: %s\n", m.Content)
			if m.VoiceNoteURL != "" {
				fmt.Fprintf(r.out, "       (voice reply: %s)\n", m.VoiceNoteURL)
			}
		case m.Type == model.MessageVoice:
			fmt.Fprintf(r.out, "you (voice): %s\n", m.Content)
		}
	}

	if st.Prompt != nil {
		fmt.Fprintf(r.out, "* %s\n", promptMessages[st.Prompt.Reason])
		r.store.DismissPrompt()
	}
}

func (r *repl) printUsage() {
	st := r.store.Snapshot()
	if st.Identity == nil {
		return
	}
	u := quota.Usage(st.Identity)
	fmt.Fprintf(r.out, "plan: %s\nmessages today: %s\nvoice notes today: %s\n",
		st.Identity.Tier,
		formatUsage(u.MessagesUsed, u.MaxMessages),
		formatUsage(u.VoiceNotesUsed, u.MaxVoiceNotes),
	)
}

func formatUsage(used, max int) string {
	if max == quota.Unlimited {
		return fmt.Sprintf("%d (unlimited)", used)
	}
	return fmt.Sprintf("%d/%d", used, max)
}
