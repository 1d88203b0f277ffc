package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
	"gorm.io/datatypes"

	"github.com/yungbote/supplements-backend/internal/actions"
	"github.com/yungbote/supplements-backend/internal/app"
	"github.com/yungbote/supplements-backend/internal/data/repos"
	types "github.com/yungbote/supplements-backend/internal/domain"
	"github.com/yungbote/supplements-backend/internal/platform/dbctx"
	"github.com/yungbote/supplements-backend/internal/platform/logger"
	"github.com/yungbote/supplements-backend/internal/services"
)

// configFile is the import format:
//
//	assets:
//	  - asset_uid: aXYZ
//	    actions:
//	      - question_xpath: group/audio
//	        action_id: manual_transcription
//	        params: {languages: [en, fr]}
type configFile struct {
	Assets []assetConfig `yaml:"assets"`
}

type assetConfig struct {
	AssetUID string         `yaml:"asset_uid"`
	Actions  []actionConfig `yaml:"actions"`
}

type actionConfig struct {
	QuestionXPath string         `yaml:"question_xpath"`
	ActionID      string         `yaml:"action_id"`
	Params        map[string]any `yaml:"params"`
}

func configsCmd() *cobra.Command {
	c := &cobra.Command{Use: "configs", Short: "Manage per-asset action configuration"}
	c.AddCommand(configsImportCmd())
	c.AddCommand(configsListCmd())
	return c
}

func withConfigService(cmd *cobra.Command, fn func(log *logger.Logger, svc services.ConfigService) error) error {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()
	pg, err := app.OpenDB(log, cfg)
	if err != nil {
		return err
	}
	defer pg.Close()
	reposet := repos.New(pg.DB(), log)
	return fn(log, services.NewConfigService(pg.DB(), log, reposet.ActionConfigs, actions.NewCatalog()))
}

func configsImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.yaml>",
		Short: "Replace the action configuration of every asset in a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read %s: %w", args[0], err)
			}
			var file configFile
			if err := yaml.Unmarshal(raw, &file); err != nil {
				return fmt.Errorf("parse %s: %w", args[0], err)
			}
			return withConfigService(cmd, func(log *logger.Logger, svc services.ConfigService) error {
				dbc := dbctx.Background(cmd.Context())
				for _, asset := range file.Assets {
					rows, err := asset.rows()
					if err != nil {
						return err
					}
					saved, err := svc.Replace(dbc, asset.AssetUID, rows)
					if err != nil {
						return fmt.Errorf("asset %s: %w", asset.AssetUID, err)
					}
					log.Info("Imported action config", "asset_uid", asset.AssetUID, "actions", len(saved))
				}
				return nil
			})
		},
	}
}

func (a assetConfig) rows() ([]*types.AssetActionConfig, error) {
	rows := make([]*types.AssetActionConfig, 0, len(a.Actions))
	for _, ac := range a.Actions {
		params := datatypes.JSON("{}")
		if ac.Params != nil {
			b, err := json.Marshal(ac.Params)
			if err != nil {
				return nil, fmt.Errorf("asset %s %s params: %w", a.AssetUID, ac.ActionID, err)
			}
			params = b
		}
		rows = append(rows, &types.AssetActionConfig{
			AssetUID:      a.AssetUID,
			QuestionXPath: ac.QuestionXPath,
			ActionID:      ac.ActionID,
			Params:        params,
		})
	}
	return rows, nil
}

func configsListCmd() *cobra.Command {
	var assetUID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Print the action configuration of an asset",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConfigService(cmd, func(log *logger.Logger, svc services.ConfigService) error {
				rows, err := svc.List(dbctx.Background(cmd.Context()), assetUID)
				if err != nil {
					return err
				}
				sort.Slice(rows, func(i, j int) bool {
					if rows[i].QuestionXPath != rows[j].QuestionXPath {
						return rows[i].QuestionXPath < rows[j].QuestionXPath
					}
					return rows[i].ActionID < rows[j].ActionID
				})
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Question", "Action", "Params", "Updated"})
				for _, r := range rows {
					tw.AppendRow(table.Row{r.QuestionXPath, r.ActionID, string(r.Params), r.UpdatedAt.Format("2006-01-02 15:04")})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&assetUID, "asset", "", "asset uid")
	_ = cmd.MarkFlagRequired("asset")
	return cmd
}
