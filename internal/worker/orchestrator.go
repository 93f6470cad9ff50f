package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/TheMystery123/TraceDroid/internal/apkinfo"
	"github.com/TheMystery123/TraceDroid/internal/completion"
	"github.com/TheMystery123/TraceDroid/internal/config"
	"github.com/TheMystery123/TraceDroid/internal/crashmon"
	"github.com/TheMystery123/TraceDroid/internal/device"
	"github.com/TheMystery123/TraceDroid/internal/domain"
	"github.com/TheMystery123/TraceDroid/internal/explore"
	"github.com/TheMystery123/TraceDroid/internal/match"
	"github.com/TheMystery123/TraceDroid/internal/reconstruct"
	"github.com/TheMystery123/TraceDroid/internal/repository"
	"github.com/TheMystery123/TraceDroid/internal/rules"
	"github.com/TheMystery123/TraceDroid/internal/sourcemodel"
	"github.com/sirupsen/logrus"
)

// RunBroadcaster 运行进度的实时推送接口（WebSocket 层实现；可为 nil）
type RunBroadcaster interface {
	BroadcastEvent(runID string, event explore.Event)
	BroadcastProgress(runID string, processed, total int)
	BroadcastStatus(runID string, status string)
}

// Orchestrator 核心编排器
// 一次运行的完整流水线：解析 manifest 和源码、跑规则检测、
// 重建交互上下文、占用一台设备逐位置探索、落库并广播进度
type Orchestrator struct {
	deviceMgr   *device.Manager
	runRepo     repository.RunRepository
	attemptRepo repository.AttemptRepository
	loader      *sourcemodel.Loader
	engine      *rules.Engine
	extractor   *apkinfo.Extractor
	matcher     *match.Matcher
	cfg         *config.Config
	logger      *logrus.Logger
	broadcaster RunBroadcaster
	llmEnabled  bool
	chatClient  completion.ChatClient
}

// NewOrchestrator 创建编排器
func NewOrchestrator(
	deviceMgr *device.Manager,
	runRepo repository.RunRepository,
	attemptRepo repository.AttemptRepository,
	cfg *config.Config,
	logger *logrus.Logger,
) *Orchestrator {
	engine := rules.NewEngine(logger)
	if cfg.Rules.CatalogPath != "" {
		if err := engine.LoadCatalog(cfg.Rules.CatalogPath); err != nil {
			logger.WithError(err).Warn("Failed to load rule catalog, using builtin rules only")
		}
	}

	llmEnabled := cfg.LLM.Enabled && cfg.LLM.APIKey != ""
	var chatClient completion.ChatClient
	if llmEnabled {
		chatClient = completion.NewClient(cfg.LLM, logger)
		logger.WithField("model", cfg.LLM.Model).Info("Path completion enabled")
	} else {
		logger.Info("Path completion disabled, unresolved steps terminate exploration")
	}

	logger.WithFields(logrus.Fields{
		"devices":       deviceMgr.Count(),
		"rules":         len(engine.Rules()),
		"llm_enabled":   llmEnabled,
		"max_locations": cfg.Explore.MaxLocations,
	}).Info("Orchestrator initialized")

	return &Orchestrator{
		deviceMgr:   deviceMgr,
		runRepo:     runRepo,
		attemptRepo: attemptRepo,
		loader:      sourcemodel.NewLoader(logger),
		engine:      engine,
		extractor:   apkinfo.NewExtractor(logger),
		matcher:     match.NewMatcher(logger),
		cfg:         cfg,
		logger:      logger,
		llmEnabled:  llmEnabled,
		chatClient:  chatClient,
	}
}

// Engine 当前加载的规则引擎
func (o *Orchestrator) Engine() *rules.Engine {
	return o.engine
}

// SetBroadcaster 设置实时推送器（用于前端进度展示）
func (o *Orchestrator) SetBroadcaster(b RunBroadcaster) {
	o.broadcaster = b
}

// SetChatClient 替换补全客户端（测试注入用）
func (o *Orchestrator) SetChatClient(c completion.ChatClient) {
	o.chatClient = c
	o.llmEnabled = c != nil
}

// ExecuteRun 执行一次完整运行
func (o *Orchestrator) ExecuteRun(ctx context.Context, runID, apkPath, sourceDir string) error {
	o.logger.WithFields(logrus.Fields{
		"run_id":     runID,
		"apk_path":   apkPath,
		"source_dir": sourceDir,
	}).Info("Starting run execution")

	if err := o.runRepo.MarkStarted(ctx, runID); err != nil {
		return fmt.Errorf("failed to mark run started: %w", err)
	}
	o.broadcastStatus(runID, string(domain.RunStatusAnalyzing))

	// 1. manifest：包名与启动界面
	info, err := o.extractor.Extract(ctx, apkPath, sourceDir)
	if err != nil {
		return o.failRun(ctx, runID, fmt.Errorf("manifest extraction failed: %w", err))
	}
	if err := o.runRepo.SetPackageInfo(ctx, runID, info.PackageName, info.AppName); err != nil {
		o.logger.WithError(err).Warn("Failed to persist package info")
	}

	// 2. 源码模型
	if err := o.updateProgress(ctx, runID, "loading source model", 0); err != nil {
		return err
	}
	tree, err := o.loader.Load(ctx, sourceDir)
	if err != nil {
		return o.failRun(ctx, runID, fmt.Errorf("source model load failed: %w", err))
	}
	tree.SetLauncherScreen(info.LauncherScreen())

	// 3. 规则检测
	if err := o.updateProgress(ctx, runID, "running detection rules", 0); err != nil {
		return err
	}
	locations, err := o.engine.Detect(ctx, tree)
	if err != nil {
		return o.failRun(ctx, runID, fmt.Errorf("rule detection failed: %w", err))
	}
	if max := o.cfg.Explore.MaxLocations; max > 0 && len(locations) > max {
		o.logger.WithFields(logrus.Fields{
			"detected": len(locations),
			"cap":      max,
		}).Info("Capping suspicious locations for this run")
		locations = locations[:max]
	}
	if err := o.runRepo.SetLocationCount(ctx, runID, len(locations)); err != nil {
		o.logger.WithError(err).Warn("Failed to persist location count")
	}

	if len(locations) == 0 {
		o.logger.WithField("run_id", runID).Info("No suspicious locations detected, run completes immediately")
		return o.completeRun(ctx, runID)
	}

	// 4. 并行重建交互上下文
	if err := o.updateProgress(ctx, runID, "reconstructing interaction contexts", 0); err != nil {
		return err
	}
	contexts := o.reconstructAll(ctx, tree, locations)

	// 5. 占用设备，逐位置探索
	if err := o.runRepo.UpdateStatus(ctx, runID, domain.RunStatusExploring); err != nil {
		return err
	}
	o.broadcastStatus(runID, string(domain.RunStatusExploring))

	dev, err := o.deviceMgr.Acquire(ctx, runID)
	if err != nil {
		return o.failRun(ctx, runID, fmt.Errorf("failed to acquire device: %w", err))
	}
	defer o.deviceMgr.Release(dev)

	automator := dev.CreateAutomator(o.logger)
	monitor := crashmon.NewLogcatMonitor(automator, o.logger)
	var completer explore.Completer
	if o.llmEnabled && o.chatClient != nil {
		completer = completion.NewService(o.chatClient, o.matcher, o.cfg.LLM.MaxRetries, o.logger)
	}

	driver := explore.NewDriver(automator, monitor, o.matcher, completer, explore.Config{
		StepTimeout: time.Duration(o.cfg.Explore.StepTimeout) * time.Second,
		SettleDelay: time.Duration(o.cfg.Explore.SettleDelay) * time.Second,
		FaultBudget: o.cfg.Explore.DeviceFaultBudget,
	}, o.eventNotifier(runID), o.logger)

	o.logger.WithFields(logrus.Fields{
		"run_id":     runID,
		"device_id":  dev.ID,
		"adb_target": dev.ADBTarget,
		"locations":  len(contexts),
	}).Info("Device acquired, starting exploration")

	consecutiveFailures := 0
	for i, ictx := range contexts {
		select {
		case <-ctx.Done():
			return o.failRun(ctx, runID, ctx.Err())
		default:
		}

		step := fmt.Sprintf("exploring location %d/%d: %s", i+1, len(contexts), ictx.Location.QualifiedMethod())
		if err := o.updateProgress(ctx, runID, step, i); err != nil {
			o.logger.WithError(err).Warn("Failed to update progress")
		}
		o.broadcastProgress(runID, i, len(contexts))

		outcome, err := o.exploreOne(ctx, driver, runID, ictx, info.PackageName)
		if err != nil {
			consecutiveFailures++
			o.logger.WithError(err).WithFields(logrus.Fields{
				"run_id":   runID,
				"location": ictx.Location.Key(),
				"failures": consecutiveFailures,
			}).Error("Exploration failed")
			if consecutiveFailures > o.cfg.Explore.DeviceFaultBudget {
				return o.failRun(ctx, runID, fmt.Errorf("device fault budget exceeded after %d consecutive failures: %w", consecutiveFailures, err))
			}
			continue
		}
		consecutiveFailures = 0

		if err := o.runRepo.IncrementOutcome(ctx, runID, outcome); err != nil {
			o.logger.WithError(err).Warn("Failed to increment outcome counters")
		}
	}
	o.broadcastProgress(runID, len(contexts), len(contexts))

	return o.completeRun(ctx, runID)
}

// reconstructAll 并行重建全部上下文，保持输入顺序（探索顺序即优先级顺序）
func (o *Orchestrator) reconstructAll(ctx context.Context, tree *sourcemodel.Tree, locations []domain.SuspiciousLocation) []*domain.InteractionContext {
	r := reconstruct.NewReconstructor(tree, o.logger)
	workers := o.cfg.Worker.ReconstructWorkers
	if workers < 1 {
		workers = 1
	}

	type indexed struct {
		idx  int
		ictx *domain.InteractionContext
	}
	jobs := make(chan int)
	results := make(chan indexed, len(locations))

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				ictx, err := r.Reconstruct(ctx, locations[idx])
				if err != nil {
					o.logger.WithError(err).WithField("location", locations[idx].Key()).Warn("Context reconstruction failed")
					// 重建失败的位置降级为空上下文，探索阶段会判 TargetUnreachable
					ictx = &domain.InteractionContext{Location: locations[idx]}
				}
				results <- indexed{idx: idx, ictx: ictx}
			}
		}()
	}

	go func() {
		for i := range locations {
			jobs <- i
		}
		close(jobs)
		wg.Wait()
		close(results)
	}()

	contexts := make([]*domain.InteractionContext, 0, len(locations))
	for res := range results {
		contexts = append(contexts, res.ictx)
	}
	sort.Slice(contexts, func(a, b int) bool {
		return indexOf(locations, contexts[a].Location) < indexOf(locations, contexts[b].Location)
	})
	return contexts
}

func indexOf(locations []domain.SuspiciousLocation, loc domain.SuspiciousLocation) int {
	for i := range locations {
		if locations[i].Key() == loc.Key() {
			return i
		}
	}
	return len(locations)
}

// exploreOne 探索单个位置：建记录、跑驱动器、定论落库
func (o *Orchestrator) exploreOne(ctx context.Context, driver *explore.Driver, runID string,
	ictx *domain.InteractionContext, pkg string) (domain.Outcome, error) {
	loc := ictx.Location
	attempt := &domain.ExplorationAttempt{
		RunID:     runID,
		File:      loc.File,
		Class:     loc.Class,
		Method:    loc.Method,
		StartLine: loc.StartLine,
		EndLine:   loc.EndLine,
		RuleID:    loc.RuleID,
		Category:  loc.Category,
	}
	if err := o.attemptRepo.Create(ctx, attempt); err != nil {
		return "", fmt.Errorf("failed to create attempt record: %w", err)
	}

	result, err := driver.Explore(ctx, ictx, pkg)
	if err != nil {
		// 设备层面的失败也要定论，避免留下悬空记录
		attempt.Outcome = domain.OutcomeInconclusive
		attempt.ErrorMessage = err.Error()
		if ferr := o.attemptRepo.Finalize(ctx, attempt); ferr != nil {
			o.logger.WithError(ferr).Warn("Failed to finalize attempt after exploration error")
		}
		if ierr := o.runRepo.IncrementOutcome(ctx, runID, domain.OutcomeInconclusive); ierr != nil {
			o.logger.WithError(ierr).Warn("Failed to increment outcome counters")
		}
		return "", err
	}

	attempt.Outcome = result.Outcome
	attempt.StepsPlanned = result.StepsPlanned
	attempt.StepsExecuted = result.StepsExecuted
	attempt.UsedCompletion = result.UsedCompletion
	attempt.ErrorMessage = result.Detail
	attempt.ContextJSON = marshalJSON(ictx, o.logger)
	if len(result.Actions) > 0 {
		attempt.ActionsJSON = marshalJSON(result.Actions, o.logger)
	}
	if result.Crash != nil {
		attempt.CrashJSON = marshalJSON(result.Crash, o.logger)
	}

	if err := o.attemptRepo.Finalize(ctx, attempt); err != nil {
		return "", fmt.Errorf("failed to finalize attempt: %w", err)
	}

	o.logger.WithFields(logrus.Fields{
		"run_id":          runID,
		"location":        loc.Key(),
		"outcome":         result.Outcome,
		"steps_executed":  result.StepsExecuted,
		"used_completion": result.UsedCompletion,
	}).Info("Location finalized")

	return result.Outcome, nil
}

func (o *Orchestrator) completeRun(ctx context.Context, runID string) error {
	if err := o.runRepo.MarkCompleted(ctx, runID, domain.RunStatusCompleted, ""); err != nil {
		return err
	}
	o.broadcastStatus(runID, string(domain.RunStatusCompleted))
	o.logger.WithField("run_id", runID).Info("Run completed")
	return nil
}

func (o *Orchestrator) failRun(ctx context.Context, runID string, err error) error {
	if uerr := o.runRepo.MarkCompleted(ctx, runID, domain.RunStatusFailed, err.Error()); uerr != nil {
		o.logger.WithError(uerr).Error("Failed to mark run as failed")
	}
	o.broadcastStatus(runID, string(domain.RunStatusFailed))
	o.logger.WithError(err).WithField("run_id", runID).Error("Run failed")
	return err
}

func (o *Orchestrator) updateProgress(ctx context.Context, runID, step string, processed int) error {
	return o.runRepo.UpdateProgress(ctx, runID, step, processed)
}

func (o *Orchestrator) eventNotifier(runID string) explore.Notifier {
	if o.broadcaster == nil {
		return nil
	}
	return func(ev explore.Event) {
		o.broadcaster.BroadcastEvent(runID, ev)
	}
}

func (o *Orchestrator) broadcastStatus(runID, status string) {
	if o.broadcaster != nil {
		o.broadcaster.BroadcastStatus(runID, status)
	}
}

func (o *Orchestrator) broadcastProgress(runID string, processed, total int) {
	if o.broadcaster != nil {
		o.broadcaster.BroadcastProgress(runID, processed, total)
	}
}

func marshalJSON(v interface{}, logger *logrus.Logger) string {
	data, err := json.Marshal(v)
	if err != nil {
		logger.WithError(err).Warn("Failed to marshal evidence payload")
		return ""
	}
	return string(data)
}
