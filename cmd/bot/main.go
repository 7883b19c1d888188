// Command bot is a musserver dice bot. It answers "roll" remote calls and
// "@name roll 2d6" mentions in the groups it joins.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/aeolun/musserver/pkg/botlib"
	"github.com/aeolun/musserver/pkg/client"
)

// parseDice reads "NdM" notation, defaulting to 1d6
func parseDice(spec string) (count, sides int, err error) {
	spec = strings.ToLower(strings.TrimSpace(spec))
	if spec == "" {
		return 1, 6, nil
	}
	n, m, ok := strings.Cut(spec, "d")
	if !ok {
		return 0, 0, fmt.Errorf("want NdM, got %q", spec)
	}
	count = 1
	if n != "" {
		if count, err = strconv.Atoi(n); err != nil {
			return 0, 0, fmt.Errorf("bad dice count %q", n)
		}
	}
	if sides, err = strconv.Atoi(m); err != nil {
		return 0, 0, fmt.Errorf("bad side count %q", m)
	}
	if count < 1 || count > 100 || sides < 2 || sides > 1000 {
		return 0, 0, fmt.Errorf("%dd%d is out of range", count, sides)
	}
	return count, sides, nil
}

func roll(spec string) (string, error) {
	count, sides, err := parseDice(spec)
	if err != nil {
		return "", err
	}
	total := 0
	faces := make([]string, count)
	for i := range faces {
		face := 1 + rand.Intn(sides)
		total += face
		faces[i] = strconv.Itoa(face)
	}
	return fmt.Sprintf("%dd%d: %s = %d", count, sides, strings.Join(faces, "+"), total), nil
}

func main() {
	server := flag.String("server", "localhost:6470", "Server address (host:port, ssh://host, ws://host)")
	movie := flag.String("movie", "lobby", "Movie to join")
	name := flag.String("name", "Dealer", "Bot user name")
	password := flag.String("password", "", "Password or token if the server requires one")
	groups := flag.String("groups", "table", "Comma-separated list of groups to join")
	flag.Parse()

	groupList := strings.Split(*groups, ",")
	for i := range groupList {
		groupList[i] = strings.TrimSpace(groupList[i])
	}

	bot := botlib.New(botlib.Config{
		Server:   *server,
		Movie:    *movie,
		Name:     *name,
		Password: *password,
		Groups:   groupList,
		Dial:     client.Options{SSHUser: *name, SSHPassword: *password},
	})

	bot.Handle("roll", func(ctx *botlib.Context, call *botlib.Call) {
		result, err := roll(string(call.Args))
		if err != nil {
			result = err.Error()
		}
		if err := ctx.Reply(result); err != nil {
			ctx.Log("Reply to %s failed: %v", call.Sender, err)
		}
	})

	bot.OnMention(func(ctx *botlib.Context, msg *botlib.Message) {
		query := msg.MentionedContent()
		ctx.Log("Mentioned by %s in %s: %s", msg.Sender, msg.Group, query)

		spec, ok := strings.CutPrefix(query, "roll")
		if !ok {
			ctx.Reply(fmt.Sprintf("Hi %s! Try \"@%s roll 2d6\".", msg.Sender, ctx.BotName()))
			return
		}
		result, err := roll(spec)
		if err != nil {
			ctx.Reply(err.Error())
			return
		}
		ctx.Reply(fmt.Sprintf("%s rolled %s", msg.Sender, result))
	})

	bot.OnDirect(func(ctx *botlib.Context, msg *botlib.Message) {
		ctx.Reply("Call my \"roll\" method or mention me in a group.")
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := bot.Run(ctx); err != nil {
		log.Fatalf("Bot error: %v", err)
	}
}
