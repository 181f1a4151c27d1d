// Command feedsync runs the Learnora feed sync engine.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"learnora/internal/bootstrap"
	"learnora/internal/config"
	"learnora/internal/feed"
	"learnora/internal/models"
	"learnora/internal/server"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func usage() {
	fmt.Println("Usage:")
	fmt.Println("  feedsync serve                 - Sync the feed and serve the local API")
	fmt.Println("  feedsync list [query] [sort]   - Fetch once and print the feed (sort: newest|oldest|mostLiked)")
	fmt.Println("  feedsync post <content>        - Create a text post")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	command := os.Args[1]
	switch command {
	case "serve":
		serve(cfg)

	case "list":
		query, sort := "", ""
		if len(os.Args) > 2 {
			query = os.Args[2]
		}
		if len(os.Args) > 3 {
			sort = os.Args[3]
		}
		list(cfg, query, sort)

	case "post":
		if len(os.Args) < 3 {
			fmt.Println("Usage: feedsync post <content>")
			os.Exit(1)
		}
		post(cfg, strings.Join(os.Args[2:], " "))

	default:
		fmt.Printf("Unknown command: %s\n", command)
		usage()
		os.Exit(1)
	}
}

func serve(cfg *config.Config) {
	rt, err := bootstrap.InitRuntime(cfg, bootstrap.Options{Version: version})
	if err != nil {
		log.Fatalf("Failed to initialize runtime: %v", err)
	}

	startCtx, cancelStart := context.WithTimeout(context.Background(), cfg.RequestTimeout)
	if err := rt.Start(startCtx); err != nil {
		log.Printf("Initial sync incomplete, continuing with local state: %v", err)
	}
	cancelStart()

	srv := server.New(server.Deps{
		Service:   rt.Service,
		View:      rt.View,
		Resolver:  rt.Resolver,
		Scheduler: rt.Scheduler,
		Flags:     rt.Flags,
	})

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down feedsync...")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("feedsync %s listening on %s", version, cfg.ListenAddr)
	if err := srv.Listen(cfg.ListenAddr); err != nil {
		log.Printf("Server error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rt.Close(ctx); err != nil {
		log.Printf("Runtime shutdown error: %v", err)
	}
}

func list(cfg *config.Config, query, sort string) {
	rt, err := bootstrap.InitRuntime(cfg, bootstrap.Options{Version: version})
	if err != nil {
		log.Fatalf("Failed to initialize runtime: %v", err)
	}
	defer func() { _ = rt.Close(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
	defer cancel()
	if err := rt.Start(ctx); err != nil && rt.Store.Len() == 0 {
		log.Fatalf("Failed to fetch feed: %v", err)
	}

	posts := feed.Derive(rt.Store.List(), models.FeedFilterState{
		SearchQuery: query,
		Sort:        models.ParseSortOption(sort),
	})

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tAUTHOR\tCREATED\tLIKES\tCOMMENTS\tCONTENT")
	for _, p := range posts {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
			p.ID, p.AuthorDisplayName, p.CreatedAt.Format(time.DateTime),
			p.Reactions.Count, p.CommentCount, truncate(p.Content, 60))
	}
	_ = w.Flush()
	fmt.Printf("%d post(s)\n", len(posts))
}

func post(cfg *config.Config, content string) {
	rt, err := bootstrap.InitRuntime(cfg, bootstrap.Options{Version: version, RequireSession: true})
	if err != nil {
		log.Fatalf("Failed to initialize runtime: %v", err)
	}
	defer func() { _ = rt.Close(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
	defer cancel()

	created, err := rt.Service.Create(ctx, models.Submission{Content: content})
	if err != nil {
		_ = rt.Close(context.Background())
		log.Fatalf("Failed to create post: %v", err)
	}
	fmt.Printf("Created post %s by %s\n", created.ID, created.AuthorDisplayName)
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}
