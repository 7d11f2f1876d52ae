package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/MarcoPoloResearchLab/folio/backend/internal/app"
	"github.com/MarcoPoloResearchLab/folio/backend/internal/catalog"
	"github.com/MarcoPoloResearchLab/folio/backend/internal/publishing"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newItemsCommand() *cobra.Command {
	itemsCmd := &cobra.Command{Use: "items", Short: "Manage catalog items"}

	var (
		title        string
		author       string
		description  string
		accessType   string
		priceCents   int64
		previewPages int
		categories   []string
	)
	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Create a catalog item",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			category, err := catalog.ParseAccessCategory(accessType)
			if err != nil {
				return err
			}
			return withApplication(cmd.Context(), func(ctx context.Context, application *app.App) error {
				item, err := application.Catalog.CreateItemInCategories(ctx, catalog.Item{
					Title:            title,
					Author:           author,
					Description:      description,
					Access:           category,
					PriceCents:       priceCents,
					PreviewPageCount: previewPages,
				}, categories)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), item.ID)
				return nil
			})
		},
	}
	addCmd.Flags().StringVar(&title, "title", "", "Item title")
	addCmd.Flags().StringVar(&author, "author", "", "Item author")
	addCmd.Flags().StringVar(&description, "description", "", "Item description")
	addCmd.Flags().StringVar(&accessType, "access", string(catalog.AccessPaid), "Access category (open, paid, verified_only)")
	addCmd.Flags().Int64Var(&priceCents, "price-cents", 0, "Price in cents")
	addCmd.Flags().IntVar(&previewPages, "preview-pages", catalog.DefaultPreviewPageCount, "Pages included in the preview")
	addCmd.Flags().StringSliceVar(&categories, "category", nil, "Category slug (repeatable)")
	_ = addCmd.MarkFlagRequired("title")

	deleteCmd := &cobra.Command{
		Use:   "delete ITEM_ID",
		Short: "Delete an item with its volumes and stored artifacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd.Context(), func(ctx context.Context, application *app.App) error {
				return application.Publisher.DeleteItem(ctx, args[0])
			})
		},
	}

	itemsCmd.AddCommand(addCmd, deleteCmd)
	return itemsCmd
}

func newCategoriesCommand() *cobra.Command {
	categoriesCmd := &cobra.Command{Use: "categories", Short: "Manage catalog categories"}

	var description string
	addCmd := &cobra.Command{
		Use:   "add NAME",
		Short: "Create a category",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd.Context(), func(ctx context.Context, application *app.App) error {
				category, err := application.Catalog.CreateCategory(ctx, catalog.Category{Name: args[0], Description: description})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", category.ID, category.Slug)
				return nil
			})
		},
	}
	addCmd.Flags().StringVar(&description, "description", "", "Category description")

	categoriesCmd.AddCommand(addCmd)
	return categoriesCmd
}

func newVolumesCommand() *cobra.Command {
	volumesCmd := &cobra.Command{Use: "volumes", Short: "Manage volume documents"}

	var (
		position int
		title    string
	)
	addCmd := &cobra.Command{
		Use:   "add ITEM_ID FILE",
		Short: "Publish a PDF as a volume of an item",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			document, err := os.Open(args[1])
			if err != nil {
				return err
			}
			defer document.Close()

			return withApplication(cmd.Context(), func(ctx context.Context, application *app.App) error {
				volume, err := application.Publisher.AddVolume(ctx, publishing.VolumeUpload{
					ItemID:   args[0],
					Position: position,
					Title:    title,
					Filename: filepath.Base(args[1]),
					Document: document,
				})
				if err != nil && volume.ID == "" {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", volume.ID, volume.DocumentKey, volume.PreviewKey)
				return err
			})
		},
	}
	addCmd.Flags().IntVar(&position, "position", 1, "1-based volume position within the item")
	addCmd.Flags().StringVar(&title, "title", "", "Volume title")

	replaceCmd := &cobra.Command{
		Use:   "replace VOLUME_ID FILE",
		Short: "Replace a volume's document and rebuild its preview",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			document, err := os.Open(args[1])
			if err != nil {
				return err
			}
			defer document.Close()

			return withApplication(cmd.Context(), func(ctx context.Context, application *app.App) error {
				volume, err := application.Publisher.ReplaceDocument(ctx, args[0], filepath.Base(args[1]), document)
				if err != nil && volume.ID == "" {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", volume.ID, volume.DocumentKey, volume.PreviewKey)
				return err
			})
		},
	}

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Report volumes whose stored artifacts are missing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd.Context(), checkVolumes(cmd))
		},
	}

	volumesCmd.AddCommand(addCmd, replaceCmd, checkCmd)
	return volumesCmd
}

func checkVolumes(cmd *cobra.Command) func(context.Context, *app.App) error {
	return func(ctx context.Context, application *app.App) error {
		volumes, err := application.Catalog.ListAllVolumes(ctx)
		if err != nil {
			return err
		}
		missing := 0
		for _, volume := range volumes {
			if !volume.HasDocument() {
				fmt.Fprintf(cmd.OutOrStdout(), "empty\t%s\n", volume.ID)
				continue
			}
			keys := []struct{ kind, key string }{{"document", volume.DocumentKey}}
			if volume.HasPreview() {
				keys = append(keys, struct{ kind, key string }{"preview", volume.PreviewKey})
			}
			for _, entry := range keys {
				exists, err := application.Artifacts.Exists(ctx, entry.key)
				if err != nil {
					return err
				}
				if !exists {
					missing++
					fmt.Fprintf(cmd.OutOrStdout(), "missing_%s\t%s\t%s\n", entry.kind, volume.ID, entry.key)
				}
			}
		}
		if missing > 0 {
			return fmt.Errorf("%d stored artifacts are missing", missing)
		}
		return nil
	}
}

func newPreviewsCommand() *cobra.Command {
	previewsCmd := &cobra.Command{Use: "previews", Short: "Maintain preview artifacts"}

	var (
		itemID      string
		missingOnly bool
	)
	regenerateCmd := &cobra.Command{
		Use:   "regenerate",
		Short: "Rebuild previews for every volume, or one item's volumes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd.Context(), func(ctx context.Context, application *app.App) error {
				return regeneratePreviews(ctx, cmd, application, itemID, missingOnly)
			})
		},
	}
	regenerateCmd.Flags().StringVar(&itemID, "item", "", "Limit regeneration to one item")
	regenerateCmd.Flags().BoolVar(&missingOnly, "missing-only", false, "Only generate previews that do not exist yet")

	previewsCmd.AddCommand(regenerateCmd)
	return previewsCmd
}

func regeneratePreviews(ctx context.Context, cmd *cobra.Command, application *app.App, itemID string, missingOnly bool) error {
	var (
		volumes []catalog.Volume
		err     error
	)
	if itemID != "" {
		volumes, err = application.Catalog.ListVolumes(ctx, itemID)
	} else {
		volumes, err = application.Catalog.ListAllVolumes(ctx)
	}
	if err != nil {
		return err
	}

	items := make(map[string]catalog.Item)
	var failures []error
	for _, volume := range volumes {
		if !volume.HasDocument() {
			continue
		}
		item, ok := items[volume.ItemID]
		if !ok {
			item, err = application.Catalog.GetItem(ctx, volume.ItemID)
			if err != nil {
				return err
			}
			items[volume.ItemID] = item
		}

		var key string
		if missingOnly {
			key, _, err = application.Previews.Ensure(ctx, item, volume)
		} else {
			key, err = application.Previews.Regenerate(ctx, item, volume)
		}
		if err != nil {
			application.Logger.Error("preview regeneration failed",
				zap.String("item_id", item.ID),
				zap.String("volume_id", volume.ID),
				zap.Error(err),
			)
			failures = append(failures, fmt.Errorf("volume %s: %w", volume.ID, err))
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", volume.ID, key)
	}
	return errors.Join(failures...)
}

func newPurchasesCommand() *cobra.Command {
	purchasesCmd := &cobra.Command{Use: "purchases", Short: "Grant or revoke purchases"}

	var expiresIn time.Duration
	grantCmd := &cobra.Command{
		Use:   "grant USER_ID ITEM_ID",
		Short: "Record a purchase",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd.Context(), func(ctx context.Context, application *app.App) error {
				purchase := catalog.Purchase{UserID: args[0], ItemID: args[1]}
				if expiresIn > 0 {
					expiresAt := application.Catalog.Now().Add(expiresIn)
					purchase.ExpiresAt = &expiresAt
				}
				created, err := application.Catalog.CreatePurchase(ctx, purchase)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), created.ID)
				return nil
			})
		},
	}
	grantCmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "Access lifetime; zero never expires")

	revokeCmd := &cobra.Command{
		Use:   "revoke USER_ID ITEM_ID",
		Short: "Delete a purchase",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd.Context(), func(ctx context.Context, application *app.App) error {
				return application.Catalog.DeletePurchase(ctx, args[0], args[1])
			})
		},
	}

	purchasesCmd.AddCommand(grantCmd, revokeCmd)
	return purchasesCmd
}

func newUsersCommand() *cobra.Command {
	usersCmd := &cobra.Command{Use: "users", Short: "Manage reader profiles"}

	var revoke bool
	verifyCmd := &cobra.Command{
		Use:   "verify USER_ID",
		Short: "Mark a reader as verified, or clear the mark with --revoke",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd.Context(), func(ctx context.Context, application *app.App) error {
				profile, err := application.Profiles.SetVerified(ctx, args[0], !revoke)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\tverified=%t\n", profile.UserID, profile.IsVerified)
				return nil
			})
		},
	}
	verifyCmd.Flags().BoolVar(&revoke, "revoke", false, "Clear verification instead of granting it")

	usersCmd.AddCommand(verifyCmd)
	return usersCmd
}
