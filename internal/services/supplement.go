package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/yungbote/supplements-backend/internal/actions"
	"github.com/yungbote/supplements-backend/internal/actions/async"
	"github.com/yungbote/supplements-backend/internal/actions/output"
	"github.com/yungbote/supplements-backend/internal/actions/revise"
	"github.com/yungbote/supplements-backend/internal/data/graph"
	"github.com/yungbote/supplements-backend/internal/data/repos"
	types "github.com/yungbote/supplements-backend/internal/domain"
	"github.com/yungbote/supplements-backend/internal/observability"
	"github.com/yungbote/supplements-backend/internal/platform/apierr"
	"github.com/yungbote/supplements-backend/internal/platform/dbctx"
	"github.com/yungbote/supplements-backend/internal/platform/logger"
)

// PatchResult is the outcome of one supplement patch. Supplement is nil
// when nothing was stored; Pending lists the instances whose external job
// is still outstanding, as "<xpath>/<action_id>[/<key>]".
type PatchResult struct {
	Supplement *types.SubmissionSupplement
	Pending    []string
}

func (r *PatchResult) Changed() bool { return r != nil && r.Supplement != nil }

type SupplementService interface {
	Get(dbc dbctx.Context, assetUID, rootUUID string) (*types.SubmissionSupplement, error)
	Patch(ctx context.Context, assetUID, rootUUID string, raw json.RawMessage) (*PatchResult, error)
	Output(dbc dbctx.Context, assetUID, rootUUID string) (map[string]any, error)
	OutputMany(dbc dbctx.Context, assetUID string, rootUUIDs []string) (map[string]map[string]any, error)

	// Poll and FailPermanently are the callbacks of background poll chains.
	Poll(ctx context.Context, args async.PollArgs) error
	FailPermanently(ctx context.Context, args async.PollArgs, msg string) error
}

type SupplementServiceConfig struct {
	// OutputWorkers bounds the concurrency of bulk output flattening.
	OutputWorkers int
}

type supplementService struct {
	db          *gorm.DB
	log         *logger.Logger
	supplements repos.SupplementRepo
	configs     ConfigService
	submissions SubmissionService
	engine      *revise.Engine
	provenance  graph.ProvenanceSink
	cfg         SupplementServiceConfig
}

func NewSupplementService(
	db *gorm.DB,
	baseLog *logger.Logger,
	supplements repos.SupplementRepo,
	configs ConfigService,
	submissions SubmissionService,
	engine *revise.Engine,
	provenance graph.ProvenanceSink,
	cfg SupplementServiceConfig,
) SupplementService {
	if provenance == nil {
		provenance = graph.NewProvenanceSink(nil, baseLog)
	}
	return &supplementService{
		db:          db,
		log:         baseLog.With("service", "SupplementService"),
		supplements: supplements,
		configs:     configs,
		submissions: submissions,
		engine:      engine,
		provenance:  provenance,
		cfg:         cfg,
	}
}

func (s *supplementService) Get(dbc dbctx.Context, assetUID, rootUUID string) (*types.SubmissionSupplement, error) {
	if err := requireIDs(assetUID, rootUUID); err != nil {
		return nil, err
	}
	row, err := s.supplements.Get(dbc, assetUID, rootUUID)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return types.NewSubmissionSupplement(), nil
	}
	return row.Decode()
}

func (s *supplementService) Patch(ctx context.Context, assetUID, rootUUID string, raw json.RawMessage) (*PatchResult, error) {
	if err := requireIDs(assetUID, rootUUID); err != nil {
		return nil, err
	}
	ctx, span := observability.StartSpan(ctx, "supplements.patch",
		attribute.String("asset_uid", assetUID),
		attribute.String("submission_root_uuid", rootUUID),
	)
	defer span.End()

	dbc := dbctx.Context{Ctx: ctx}
	set, err := s.configs.ActionSet(dbc, assetUID)
	if err != nil {
		return nil, err
	}
	items, err := ParsePatch(raw, set)
	if err != nil {
		return nil, err
	}
	sub, err := s.submissions.Resolve(dbc, assetUID, rootUUID)
	if err != nil {
		return nil, err
	}

	res := &PatchResult{}
	var edges []graph.VersionEdge
	m := observability.Current()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inner := dbctx.Context{Ctx: ctx, Tx: tx}
		row, err := s.supplements.GetForUpdate(inner, assetUID, rootUUID, sub.UUID)
		if err != nil {
			return err
		}
		supp, err := row.Decode()
		if err != nil {
			return err
		}
		changed := false
		for _, it := range items {
			keyed := it.Action.Config().AllowMultiple
			stored := supp.Entry(it.QuestionXPath, it.Action.ID()).Get(it.Key)
			inst, err := s.engine.Revise(ctx, revise.Input{
				Action:        it.Action,
				AssetUID:      assetUID,
				Submission:    sub,
				QuestionXPath: it.QuestionXPath,
				Instance:      stored,
				Payload:       it.Payload,
				Siblings:      supp.Question(it.QuestionXPath),
			})
			if errors.Is(err, actions.ErrStillRunning) || errors.Is(err, actions.ErrSuperseded) {
				m.IncRevision(it.Action.ID(), "in_progress")
				res.Pending = append(res.Pending, instancePath(it.QuestionXPath, it.Action.ID(), it.Key))
				continue
			}
			if err != nil {
				m.IncRevision(it.Action.ID(), "error")
				return fmt.Errorf("%s %s: %w", it.QuestionXPath, it.Action.ID(), err)
			}
			m.IncRevision(it.Action.ID(), "stored")
			edges = append(edges, newEdges(assetUID, rootUUID, it.QuestionXPath, it.Action.ID(), it.Key, stored, inst)...)
			supp.Put(it.QuestionXPath, it.Action.ID(), it.Key, keyed, inst)
			changed = true
		}
		if !changed {
			return nil
		}
		if err := s.save(inner, row, supp, sub.UUID); err != nil {
			return err
		}
		res.Supplement = supp
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	s.recordProvenance(ctx, edges)
	if len(res.Pending) > 0 {
		s.log.Info("supplement patch has pending external work", "asset_uid", assetUID, "submission_root_uuid", rootUUID, "pending", res.Pending)
	}
	return res, nil
}

func (s *supplementService) Output(dbc dbctx.Context, assetUID, rootUUID string) (map[string]any, error) {
	supp, err := s.Get(dbc, assetUID, rootUUID)
	if err != nil {
		return nil, err
	}
	set, err := s.configs.ActionSet(dbc, assetUID)
	if err != nil {
		return nil, err
	}
	return output.Flatten(supp, set), nil
}

func (s *supplementService) OutputMany(dbc dbctx.Context, assetUID string, rootUUIDs []string) (map[string]map[string]any, error) {
	if strings.TrimSpace(assetUID) == "" {
		return nil, errMissingAsset
	}
	set, err := s.configs.ActionSet(dbc, assetUID)
	if err != nil {
		return nil, err
	}
	rows, err := s.supplements.ListByAsset(dbc, assetUID, rootUUIDs)
	if err != nil {
		return nil, err
	}
	batch := make(map[string]*types.SubmissionSupplement, len(rows))
	for _, row := range rows {
		supp, err := row.Decode()
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", row.SubmissionRootUUID, err)
		}
		batch[row.SubmissionRootUUID] = supp
	}
	for _, root := range rootUUIDs {
		if _, ok := batch[root]; !ok {
			batch[root] = types.NewSubmissionSupplement()
		}
	}
	ctx := dbc.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	return output.FlattenMany(ctx, batch, set, s.cfg.OutputWorkers)
}

// Poll re-runs the revision a request left in flight. A chain whose
// instance was revised since the request, or whose action was removed from
// the asset, ends quietly.
func (s *supplementService) Poll(ctx context.Context, args async.PollArgs) error {
	ctx, span := observability.StartSpan(ctx, "supplements.poll",
		attribute.String("action_id", args.ActionID),
		attribute.Int("attempt", args.Attempt),
	)
	defer span.End()

	dbc := dbctx.Context{Ctx: ctx}
	a, err := s.lookup(dbc, args)
	if err != nil || a == nil {
		return err
	}
	sub, err := s.submissions.Resolve(dbc, args.AssetUID, args.SubmissionRoot)
	if err != nil {
		return err
	}
	var edges []graph.VersionEdge
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inner := dbctx.Context{Ctx: ctx, Tx: tx}
		row, supp, stored, err := s.loadLocked(inner, args, sub.UUID)
		if err != nil {
			return err
		}
		if revise.Superseded(stored, args.RequestedAt) {
			s.log.Debug("poll superseded by a newer revision", "action_id", args.ActionID, "question_xpath", args.QuestionXPath)
			return nil
		}
		inst, err := s.engine.Revise(ctx, revise.Input{
			Action:        a,
			AssetUID:      args.AssetUID,
			Submission:    sub,
			QuestionXPath: args.QuestionXPath,
			Instance:      stored,
			Payload:       args.Payload,
			Siblings:      supp.Question(args.QuestionXPath),
			RequestedAt:   args.RequestedAt,
		})
		if err != nil {
			return err
		}
		observability.Current().IncRevision(args.ActionID, "polled")
		edges = newEdges(args.AssetUID, args.SubmissionRoot, args.QuestionXPath, args.ActionID, args.Key, stored, inst)
		supp.Put(args.QuestionXPath, args.ActionID, args.Key, a.Config().AllowMultiple, inst)
		return s.save(inner, row, supp, sub.UUID)
	})
	if err != nil {
		return err
	}
	s.recordProvenance(ctx, edges)
	return nil
}

func (s *supplementService) FailPermanently(ctx context.Context, args async.PollArgs, msg string) error {
	dbc := dbctx.Context{Ctx: ctx}
	a, err := s.lookup(dbc, args)
	if err != nil || a == nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inner := dbctx.Context{Ctx: ctx, Tx: tx}
		row, supp, stored, err := s.loadLocked(inner, args, args.SubmissionUUID)
		if err != nil {
			return err
		}
		if revise.Superseded(stored, args.RequestedAt) {
			return nil
		}
		inst, err := s.engine.Fail(a, stored, args.Payload, msg)
		if err != nil {
			return err
		}
		observability.Current().IncRevision(args.ActionID, "failed")
		s.log.Warn("external job failed permanently",
			"asset_uid", args.AssetUID,
			"submission_root_uuid", args.SubmissionRoot,
			"question_xpath", args.QuestionXPath,
			"action_id", args.ActionID,
			"error", msg,
		)
		supp.Put(args.QuestionXPath, args.ActionID, args.Key, a.Config().AllowMultiple, inst)
		return s.save(inner, row, supp, row.SubmissionUUID)
	})
}

func (s *supplementService) lookup(dbc dbctx.Context, args async.PollArgs) (actions.Action, error) {
	set, err := s.configs.ActionSet(dbc, args.AssetUID)
	if err != nil {
		return nil, err
	}
	a, err := set.Lookup(args.QuestionXPath, args.ActionID)
	if errors.Is(err, actions.ErrInvalidAction) || errors.Is(err, actions.ErrInvalidQuestion) {
		s.log.Info("poll target no longer configured", "asset_uid", args.AssetUID, "question_xpath", args.QuestionXPath, "action_id", args.ActionID)
		return nil, nil
	}
	return a, err
}

func (s *supplementService) loadLocked(dbc dbctx.Context, args async.PollArgs, submissionUUID string) (*types.SubmissionSupplementRow, *types.SubmissionSupplement, *types.ActionInstance, error) {
	if submissionUUID == "" {
		submissionUUID = args.SubmissionRoot
	}
	row, err := s.supplements.GetForUpdate(dbc, args.AssetUID, args.SubmissionRoot, submissionUUID)
	if err != nil {
		return nil, nil, nil, err
	}
	supp, err := row.Decode()
	if err != nil {
		return nil, nil, nil, err
	}
	return row, supp, supp.Entry(args.QuestionXPath, args.ActionID).Get(args.Key), nil
}

func (s *supplementService) save(dbc dbctx.Context, row *types.SubmissionSupplementRow, supp *types.SubmissionSupplement, submissionUUID string) error {
	b, err := json.Marshal(supp)
	if err != nil {
		return err
	}
	row.Content = datatypes.JSON(b)
	if submissionUUID != "" {
		row.SubmissionUUID = submissionUUID
	}
	return s.supplements.Save(dbc, row)
}

func (s *supplementService) recordProvenance(ctx context.Context, edges []graph.VersionEdge) {
	if len(edges) == 0 {
		return
	}
	if err := s.provenance.Record(ctx, edges); err != nil {
		s.log.Warn("provenance record failed", "edges", len(edges), "error", err)
	}
}

// newEdges returns an edge for every version of next that stored lacks and
// that carries a dependency.
func newEdges(assetUID, rootUUID, xpath, actionID, key string, stored, next *types.ActionInstance) []graph.VersionEdge {
	if next == nil {
		return nil
	}
	var out []graph.VersionEdge
	for _, v := range next.Versions {
		if v == nil || v.Dependency == nil || stored.FindVersion(v.ID) != nil {
			continue
		}
		out = append(out, graph.VersionEdge{
			AssetUID:        assetUID,
			SubmissionRoot:  rootUUID,
			QuestionXPath:   xpath,
			ActionID:        actionID,
			Key:             key,
			VersionID:       v.ID,
			CreatedAt:       v.CreatedAt,
			UpstreamAction:  v.Dependency.ActionID,
			UpstreamVersion: v.Dependency.VersionID,
		})
	}
	return out
}

func instancePath(xpath, actionID, key string) string {
	if key == "" {
		return xpath + "/" + actionID
	}
	return xpath + "/" + actionID + "/" + key
}

var errMissingAsset = apierr.New(http.StatusBadRequest, "missing_asset_uid", errors.New("missing asset_uid"))

func requireIDs(assetUID, rootUUID string) error {
	if strings.TrimSpace(assetUID) == "" {
		return errMissingAsset
	}
	if strings.TrimSpace(rootUUID) == "" {
		return apierr.New(http.StatusBadRequest, "missing_submission_root_uuid", errors.New("missing submission_root_uuid"))
	}
	return nil
}
