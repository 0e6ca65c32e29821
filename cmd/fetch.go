package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"

	"commentsync/config"
	"commentsync/core"
	"commentsync/logger"
	"commentsync/models"

	"github.com/spf13/cobra"
)

var (
	fetchCSRFToken   string
	fetchAccessToken string
	fetchSortLabel   string
	fetchCursor      string
	fetchDisplay     int
)

type staticCredentials models.Credentials

func (c staticCredentials) Credentials() models.Credentials { return models.Credentials(c) }

type staticPage struct {
	url   string
	count int
}

func (p staticPage) CommentCount() int { return p.count }
func (p staticPage) URL() string       { return p.url }

var fetchCmd = &cobra.Command{
	Use:   "fetch <page-url>",
	Short: "Fetches one page of comments for a comment page URL and prints it as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.AppConfig
		pageURL := args[0]
		if fetchCSRFToken == "" {
			fetchCSRFToken = os.Getenv("COMMENTSYNC_CSRF_TOKEN")
		}
		if fetchAccessToken == "" {
			fetchAccessToken = os.Getenv("COMMENTSYNC_ACCESS_TOKEN")
		}

		matcher, err := core.NewURLMatcher(cfg.Site.URLPatterns)
		if err != nil {
			return err
		}
		pc, ok := matcher.Match(pageURL)
		if !ok {
			return fmt.Errorf("%s does not match any configured comment page pattern", pageURL)
		}
		sortTable, err := cfg.SortTable()
		if err != nil {
			return err
		}
		query, err := loadQuery(cfg.Site.QueryFile)
		if err != nil {
			return err
		}

		policy := fetchPolicy(cfg.Sync)
		policy.CredentialRetries = 0
		fetcher := core.NewFetcher(core.FetcherConfig{
			Endpoint:    cfg.Site.APIEndpoint,
			ClientType:  cfg.Site.ClientType,
			Query:       query,
			Credentials: staticCredentials{CSRFToken: fetchCSRFToken, AccessToken: fetchAccessToken},
			// The page size is derived from the rendered count plus headroom.
			Page:   staticPage{url: pageURL, count: max(0, fetchDisplay-policy.PageHeadroom)},
			Policy: policy,
		})

		req := core.FetchRequest{
			TargetID: pc.ResourceID,
			GroupID:  pc.GroupID,
			Sort:     models.DefaultSort,
		}
		if fetchSortLabel != "" {
			req.Sort = models.ParseSortOption(fetchSortLabel, sortTable)
		}
		if fetchCursor != "" {
			if !json.Valid([]byte(fetchCursor)) {
				return fmt.Errorf("--cursor must be JSON, e.g. {\"created\":\"...\",\"id\":\"...\"}")
			}
			req.Cursor = json.RawMessage(fetchCursor)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		logger.Info("Fetch Command: %s %s (group %q), sort %+v", pc.Type, pc.ResourceID, pc.GroupID, req.Sort)
		page, err := fetcher.Fetch(ctx, req)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(page)
	},
}

func init() {
	fetchCmd.Flags().StringVar(&fetchCSRFToken, "csrf-token", "", "anti-forgery token (default $COMMENTSYNC_CSRF_TOKEN)")
	fetchCmd.Flags().StringVar(&fetchAccessToken, "access-token", "", "access token (default $COMMENTSYNC_ACCESS_TOKEN)")
	fetchCmd.Flags().StringVar(&fetchSortLabel, "sort", "", "sort control label, e.g. 최신순 or oldest")
	fetchCmd.Flags().StringVar(&fetchCursor, "cursor", "", "continuation cursor as JSON")
	fetchCmd.Flags().IntVar(&fetchDisplay, "display", 10, "number of comments to request (at least the configured minimum)")
	rootCmd.AddCommand(fetchCmd)
}
