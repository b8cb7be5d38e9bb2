// reputation is an operator tool for inspecting and editing the URL
// reputation file used by the moderator. Stop the moderator (or accept that
// its next autosave overwrites your edits) before changing the file.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/whisper/guardian/internal/reputation"
	"github.com/whisper/guardian/internal/urlsafety"
)

func main() {
	_ = godotenv.Load()

	app := &cli.App{
		Name:    "reputation",
		Usage:   "inspect and edit the URL reputation file",
		Version: versioninfo.Short(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "file",
				Usage:   "path to the reputation JSON file",
				Value:   "data/url_blacklist.json",
				EnvVars: []string{"URL_BLACKLIST_FILE"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "stats",
				Usage:  "print section sizes",
				Action: runStats,
			},
			{
				Name:  "list",
				Usage: "list listed URLs or domains",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "domains", Usage: "list domains instead of URLs"},
				},
				Action: runList,
			},
			{
				Name:      "check",
				Usage:     "check the URLs in a piece of text against the file and the impersonation rules, offline",
				ArgsUsage: "<text>",
				Action:    runCheck,
			},
			{
				Name:      "add-domain",
				Usage:     "list a domain",
				ArgsUsage: "<domain>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "reason", Value: "listed by operator"},
					&cli.IntFlag{Name: "severity", Value: 8},
				},
				Action: runAddDomain,
			},
			{
				Name:      "remove-url",
				Usage:     "unlist an exact URL",
				ArgsUsage: "<url>",
				Action:    removeAction(func(s *reputation.Store, arg string) bool { return s.RemoveURL(arg) }),
			},
			{
				Name:      "remove-domain",
				Usage:     "unlist a domain",
				ArgsUsage: "<domain>",
				Action:    removeAction(func(s *reputation.Store, arg string) bool { return s.RemoveDomain(arg) }),
			},
			{
				Name:      "remove-shortened",
				Usage:     "forget a shortened URL mapping",
				ArgsUsage: "<url>",
				Action:    removeAction(func(s *reputation.Store, arg string) bool { return s.RemoveShortened(arg) }),
			},
			{
				Name:  "clear",
				Usage: "remove every entry",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "yes", Usage: "confirm"},
				},
				Action: runClear,
			},
		},
	}
	app.RunAndExitOnError()
}

func openStore(cctx *cli.Context) (*reputation.Store, error) {
	return reputation.Open(cctx.String("file"), zap.NewNop().Sugar())
}

func runStats(cctx *cli.Context) error {
	s, err := openStore(cctx)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(s.Stats(), "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runList(cctx *cli.Context) error {
	s, err := openStore(cctx)
	if err != nil {
		return err
	}
	entries := s.URLs()
	if cctx.Bool("domains") {
		entries = s.Domains()
	}

	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		e := entries[k]
		fmt.Printf("%s\tseverity=%d\tthreats=%s\tlisted=%s\t%s\n",
			k, e.Severity, strings.Join(e.ThreatTypes, ","), e.BlacklistedAt.Format(time.RFC3339), e.Reason)
	}
	return nil
}

func runCheck(cctx *cli.Context) error {
	text := strings.Join(cctx.Args().Slice(), " ")
	if text == "" {
		return cli.Exit("check: text required", 2)
	}
	s, err := openStore(cctx)
	if err != nil {
		return err
	}
	detector := urlsafety.NewTyposquatDetector(nil)

	urls := urlsafety.ExtractURLs(text)
	if len(urls) == 0 {
		fmt.Println("no URLs found")
		return nil
	}
	for _, u := range urls {
		if hit, ok := s.Lookup(u); ok {
			fmt.Printf("%s\tLISTED (%s %s): %s\n", u, hit.Kind, hit.Key, hit.Entry.Reason)
		} else if imp, ok := detector.Detect(u); ok {
			fmt.Printf("%s\tIMPERSONATION of %s (confidence %.1f)\n", u, imp.Brand, imp.Confidence)
		} else {
			fmt.Printf("%s\tnot listed\n", u)
		}
	}
	return nil
}

func runAddDomain(cctx *cli.Context) error {
	domain := cctx.Args().First()
	if domain == "" {
		return cli.Exit("add-domain: domain required", 2)
	}
	s, err := openStore(cctx)
	if err != nil {
		return err
	}
	s.AddDomain(domain, reputation.Entry{
		Reason:        cctx.String("reason"),
		Severity:      cctx.Int("severity"),
		BlacklistedAt: time.Now().UTC(),
	})
	return s.Save()
}

func removeAction(remove func(*reputation.Store, string) bool) cli.ActionFunc {
	return func(cctx *cli.Context) error {
		arg := cctx.Args().First()
		if arg == "" {
			return cli.Exit(cctx.Command.Name+": argument required", 2)
		}
		s, err := openStore(cctx)
		if err != nil {
			return err
		}
		if !remove(s, arg) {
			return cli.Exit(fmt.Sprintf("%s: %s not found", cctx.Command.Name, arg), 1)
		}
		return s.Save()
	}
}

func runClear(cctx *cli.Context) error {
	if !cctx.Bool("yes") {
		return cli.Exit("clear: pass --yes to remove every entry", 2)
	}
	s, err := openStore(cctx)
	if err != nil {
		return err
	}
	s.Clear()
	if err := s.Save(); err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, "reputation file cleared")
	return nil
}
