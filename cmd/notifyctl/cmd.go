package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jwalitptl/school-notify/internal/config"
	"github.com/jwalitptl/school-notify/internal/model"
	"github.com/jwalitptl/school-notify/pkg/auth"
	"github.com/jwalitptl/school-notify/pkg/poller"
)

var errHelp = errors.New("help provided")

type commandLine struct {
	out io.Writer
	env func(string) string

	// mockable
	newFetcher func(baseURL, token string) fetcher
}

type fetcher interface {
	poller.Fetcher
	Submit(ctx context.Context, req *model.NotificationRequest) (*poller.SubmitResponse, error)
}

func (cli *commandLine) printUsage() {
	fmt.Fprintln(cli.out, "Usage:")
	fmt.Fprintln(cli.out, "  send  -title TITLE [-body BODY] -to all_parents|all_users|user:ID|class:ID|ID,ID,... [-watch] - submit a batch notification")
	fmt.Fprintln(cli.out, "  watch -id NOTIFICATION_ID - follow a notification's progress")
	fmt.Fprintln(cli.out, "  token -user USER_ID [-role ROLE] - mint an access token with JWT_SECRET")
	fmt.Fprintln(cli.out, "Server and token default to NOTIFY_URL and NOTIFY_TOKEN.")
}

func (cli *commandLine) client(server, token string) fetcher {
	if cli.newFetcher != nil {
		return cli.newFetcher(server, token)
	}
	return poller.NewClient(server, token, 10*time.Second)
}

func (cli *commandLine) run(ctx context.Context, args []string) error {
	if len(args) < 2 {
		cli.printUsage()
		return errHelp
	}

	defServer := cli.env("NOTIFY_URL")
	if defServer == "" {
		defServer = "http://localhost:8080"
	}
	defToken := cli.env("NOTIFY_TOKEN")

	sendCmd := flag.NewFlagSet("send", flag.ContinueOnError)
	sendCmd.SetOutput(cli.out)
	sendServer := sendCmd.String("server", defServer, "API base URL")
	sendToken := sendCmd.String("token", defToken, "Bearer token")
	sendTitle := sendCmd.String("title", "", "Notification title")
	sendBody := sendCmd.String("body", "", "Notification body")
	sendTo := sendCmd.String("to", "", "Recipients")
	sendURL := sendCmd.String("url", "", "URL opened on click")
	sendWatch := sendCmd.Bool("watch", false, "Follow progress after submitting")
	sendInterval := sendCmd.Duration("interval", 2*time.Second, "Poll interval when watching")
	sendGrace := sendCmd.Duration("grace", 3*time.Second, "Keep showing the final status this long")

	watchCmd := flag.NewFlagSet("watch", flag.ContinueOnError)
	watchCmd.SetOutput(cli.out)
	watchServer := watchCmd.String("server", defServer, "API base URL")
	watchToken := watchCmd.String("token", defToken, "Bearer token")
	watchID := watchCmd.String("id", "", "Notification id")
	watchInterval := watchCmd.Duration("interval", 2*time.Second, "Poll interval")
	watchMax := watchCmd.Duration("max", 5*time.Minute, "Give up after this long")
	watchGrace := watchCmd.Duration("grace", 3*time.Second, "Keep showing the final status this long")

	tokenCmd := flag.NewFlagSet("token", flag.ContinueOnError)
	tokenCmd.SetOutput(cli.out)
	tokenUser := tokenCmd.String("user", "", "User id the token is issued to")
	tokenRole := tokenCmd.String("role", model.UserRoleAdmin, "Role claim")
	tokenTTL := tokenCmd.Duration("ttl", time.Hour, "Token lifetime")

	switch args[1] {
	case "send":
		if err := sendCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *sendTitle == "" || *sendTo == "" {
			sendCmd.Usage()
			return errHelp
		}
		req := &model.NotificationRequest{
			Title:      *sendTitle,
			Body:       *sendBody,
			Recipients: parseRecipients(*sendTo),
			URL:        *sendURL,
		}
		c := cli.client(*sendServer, *sendToken)
		res, err := c.Submit(ctx, req)
		if err != nil {
			return err
		}
		fmt.Fprintf(cli.out, "queued %s: %d recipients (%s)\n", res.NotificationID, res.Stats.Total, res.ProcessingTime)
		if !*sendWatch {
			return nil
		}
		return cli.watch(ctx, c, res.NotificationID, poller.Config{Interval: *sendInterval, GracePeriod: *sendGrace})

	case "watch":
		if err := watchCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *watchID == "" {
			watchCmd.Usage()
			return errHelp
		}
		return cli.watch(ctx, cli.client(*watchServer, *watchToken), *watchID,
			poller.Config{Interval: *watchInterval, GracePeriod: *watchGrace, MaxDuration: *watchMax})

	case "token":
		if err := tokenCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *tokenUser == "" {
			tokenCmd.Usage()
			return errHelp
		}
		return cli.token(*tokenUser, *tokenRole, *tokenTTL)

	default:
		cli.printUsage()
		return errHelp
	}
}

func (cli *commandLine) watch(ctx context.Context, f poller.Fetcher, id string, cfg poller.Config) error {
	p := poller.New(cfg, f)
	_, err := p.Run(ctx, id, func(u poller.Update) {
		switch {
		case u.Err != nil:
			fmt.Fprintf(cli.out, "poll failed: %v\n", u.Err)
		case u.Report != nil:
			fmt.Fprintln(cli.out, renderProgress(u.State, u.Report))
		}
	})
	if errors.Is(err, poller.ErrTimedOut) {
		fmt.Fprintln(cli.out, "stopped watching; the dispatch may still be running")
	}
	return err
}

func (cli *commandLine) token(userID, role string, ttl time.Duration) error {
	creds, err := config.LoadCredentials()
	if err != nil {
		return err
	}
	if creds.JWTSecret == "" {
		return errors.New("JWT_SECRET is not set")
	}
	issuer := cli.env("AUTH_ISSUER")
	if issuer == "" {
		issuer = "school-notify"
	}
	token, err := auth.NewJWTService(creds.JWTSecret, issuer, ttl).GenerateAccessToken(userID, role)
	if err != nil {
		return err
	}
	fmt.Fprintln(cli.out, token)
	return nil
}

// parseRecipients accepts all_parents, all_users, all, user:ID, class:ID or
// a comma separated list of user ids.
func parseRecipients(s string) model.RecipientSpec {
	s = strings.TrimSpace(s)
	switch {
	case s == "all":
		return model.RecipientSpec{Kind: model.RecipientAllUsers}
	case model.RecipientKind(s) == model.RecipientAllParents, model.RecipientKind(s) == model.RecipientAllUsers:
		return model.RecipientSpec{Kind: model.RecipientKind(s)}
	case strings.HasPrefix(s, "user:"):
		return model.RecipientSpec{Kind: model.RecipientUser, ID: strings.TrimPrefix(s, "user:")}
	case strings.HasPrefix(s, "class:"):
		return model.RecipientSpec{Kind: model.RecipientClass, ClassID: strings.TrimPrefix(s, "class:")}
	}
	ids := strings.Split(s, ",")
	for i := range ids {
		ids[i] = strings.TrimSpace(ids[i])
	}
	return model.RecipientSpec{Kind: model.RecipientExplicit, IDs: ids}
}

const barWidth = 30

func renderProgress(state poller.State, r *model.StatusReport) string {
	filled := r.Progress * barWidth / 100
	bar := strings.Repeat("#", filled) + strings.Repeat(".", barWidth-filled)
	return fmt.Sprintf("[%s] %3d%% %s sent=%d failed=%d remaining=%d (%s)",
		bar, r.Progress, r.Status, r.Stats.Sent, r.Stats.Failed, r.Stats.Remaining, state)
}
