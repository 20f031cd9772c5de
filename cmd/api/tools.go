package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"rubyeditor/api/internal/app"
	"rubyeditor/api/internal/auth"
	"rubyeditor/api/internal/export"
	"rubyeditor/api/internal/rbac"
	"rubyeditor/api/internal/share"
	"rubyeditor/api/internal/store"
)

func (c *cli) newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations, or roll back with --down",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			down, _ := cmd.Flags().GetInt("down")
			if down == 0 {
				db, err := c.openDatabase(ctx)
				if err != nil {
					return err
				}
				return db.Close()
			}

			db, err := store.Open(ctx, c.cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()
			steps := down
			if down < 0 {
				steps = 0
			}
			undone, err := store.RollbackMigrations(ctx, db, c.cfg.MigrationsDir, steps)
			for _, id := range undone {
				fmt.Fprintf(cmd.OutOrStdout(), "rolled back %s\n", id)
			}
			return err
		},
	}
	cmd.Flags().Int("down", 0, "Roll back this many migrations (-1 for all)")
	return cmd
}

func (c *cli) newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete blobs whose asset records are already gone",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := c.buildRuntime(cmd.Context(), runtimeOptions{})
			if err != nil {
				return err
			}
			defer rt.Close()
			removed, err := rt.service.SweepOrphans(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d orphaned blob(s)\n", removed)
			return nil
		},
	}
}

func (c *cli) newReindexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Push every link target from Postgres into Meilisearch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(c.cfg.MeiliURL) == "" {
				return errors.New("MEILI_URL is not set")
			}
			rt, err := c.buildRuntime(cmd.Context(), runtimeOptions{})
			if err != nil {
				return err
			}
			defer rt.Close()
			n, err := rt.search.ReindexAllFromPG(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "indexed %d target(s)\n", n)
			return nil
		},
	}
}

func (c *cli) newExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export <tenant> <document>",
		Short: "Export a document as Markdown, HTML or PDF",
		Long: `Export renders the stored document without modifying it.

Markdown written to a terminal is rendered for reading unless --raw is set.`,
		Args: cobra.ExactArgs(2),
		RunE: c.runExport,
	}
	cmd.Flags().StringP("format", "f", "markdown", "markdown, html or pdf")
	cmd.Flags().StringP("out", "o", "", "Write to this file instead of stdout")
	cmd.Flags().String("watermark", "", "Watermark text for PDF output")
	cmd.Flags().Bool("raw", false, "Print raw Markdown even on a terminal")
	return cmd
}

func (c *cli) runExport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	formatFlag, _ := cmd.Flags().GetString("format")
	out, _ := cmd.Flags().GetString("out")
	watermark, _ := cmd.Flags().GetString("watermark")
	raw, _ := cmd.Flags().GetBool("raw")

	format, err := export.ParseFormat(formatFlag)
	if err != nil {
		return err
	}
	opts := export.PDFOptions{}
	if watermark != "" {
		opts = export.PDFOptions{IncludeWatermark: true, WatermarkText: watermark}
	}

	rt, err := c.buildRuntime(ctx, runtimeOptions{})
	if err != nil {
		return err
	}
	defer rt.Close()

	result, err := rt.service.Export(ctx, args[0], args[1], format, out, opts)
	if err != nil {
		return fmt.Errorf("export %s: %w", args[1], err)
	}

	if out != "" {
		if err := os.WriteFile(out, result.Data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", out, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d bytes)\n", out, len(result.Data))
		return nil
	}

	if format == export.FormatPDF && term.IsTerminal(int(os.Stdout.Fd())) {
		return errors.New("refusing to write PDF to a terminal; use --out")
	}
	if format == export.FormatMarkdown && !raw && term.IsTerminal(int(os.Stdout.Fd())) {
		rendered, err := glamour.Render(string(result.Data), "dark")
		if err == nil {
			_, err = fmt.Fprint(cmd.OutOrStdout(), rendered)
			return err
		}
		c.log.Debug("markdown rendering failed, printing raw", zap.Error(err))
	}
	_, err = bytes.NewReader(result.Data).WriteTo(cmd.OutOrStdout())
	return err
}

func (c *cli) newShareCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "share <tenant> <document>",
		Short: "Mint a public share link for a document",
		Args:  cobra.ExactArgs(2),
		RunE:  c.runShare,
	}
	cmd.Flags().Int("days", 7, "Days until the link expires")
	cmd.Flags().Bool("watermark", false, "Stamp the shared page")
	cmd.Flags().Bool("require-auth", false, "Only signed-in members of the tenant may open the link")
	cmd.Flags().Bool("password", false, "Prompt for a password viewers must enter")
	cmd.Flags().String("as", "cli", "User id recorded as the link creator")

	revoke := &cobra.Command{
		Use:   "revoke <tenant> <share-id>",
		Short: "Revoke a share link",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := c.buildRuntime(cmd.Context(), runtimeOptions{})
			if err != nil {
				return err
			}
			defer rt.Close()
			if err := rt.service.RevokeShare(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revoked %s\n", args[1])
			return nil
		},
	}
	cmd.AddCommand(revoke)
	return cmd
}

func (c *cli) runShare(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	days, _ := cmd.Flags().GetInt("days")
	watermark, _ := cmd.Flags().GetBool("watermark")
	requireAuth, _ := cmd.Flags().GetBool("require-auth")
	askPassword, _ := cmd.Flags().GetBool("password")
	userID, _ := cmd.Flags().GetString("as")

	req := share.Request{
		DocID:         args[1],
		ExpiresInDays: days,
		RequireAuth:   requireAuth,
		Watermark:     watermark,
	}
	if askPassword {
		password, err := readPassword(cmd)
		if err != nil {
			return err
		}
		req.Password = password
	}

	rt, err := c.buildRuntime(ctx, runtimeOptions{})
	if err != nil {
		return err
	}
	defer rt.Close()

	actor := app.Actor{UserID: userID, TenantID: args[0], Role: rbac.RoleAdmin}
	resp, err := rt.service.CreateShare(ctx, actor, req)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s\nid: %s\nexpires: %s\n", resp.ShareURL, resp.ID, resp.ExpiresAt.Format(time.RFC3339))
	return nil
}

func readPassword(cmd *cobra.Command) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("--password needs an interactive terminal")
	}
	fmt.Fprint(cmd.ErrOrStderr(), "Share password: ")
	first, err := term.ReadPassword(fd)
	fmt.Fprintln(cmd.ErrOrStderr())
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	fmt.Fprint(cmd.ErrOrStderr(), "Repeat password: ")
	second, err := term.ReadPassword(fd)
	fmt.Fprintln(cmd.ErrOrStderr())
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	if !bytes.Equal(first, second) {
		return "", errors.New("passwords do not match")
	}
	if len(first) == 0 {
		return "", errors.New("password is empty")
	}
	return string(first), nil
}

func (c *cli) newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a development bearer token signed with RUBY_JWT_SECRET",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(c.cfg.JWKSURL) != "" {
				return errors.New("RUBY_JWKS_URL is set; tokens come from the identity provider")
			}
			user, _ := cmd.Flags().GetString("user")
			tenant, _ := cmd.Flags().GetString("tenant")
			role, _ := cmd.Flags().GetString("role")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			token, err := auth.IssueToken([]byte(c.cfg.JWTSecret), auth.Claims{
				Name:     user,
				TenantID: tenant,
				Role:     string(rbac.Normalize(role)),
				RegisteredClaims: jwt.RegisteredClaims{
					Subject:   user,
					IssuedAt:  jwt.NewNumericDate(time.Now()),
					ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
				},
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().String("user", "dev", "Subject of the token")
	cmd.Flags().String("tenant", "demo", "Tenant the token grants access to")
	cmd.Flags().String("role", "editor", "viewer, editor or admin")
	cmd.Flags().Duration("ttl", 12*time.Hour, "Token lifetime")
	return cmd
}
