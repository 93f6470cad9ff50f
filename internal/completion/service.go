package completion

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/TheMystery123/TraceDroid/internal/domain"
	"github.com/TheMystery123/TraceDroid/internal/match"
	"github.com/TheMystery123/TraceDroid/internal/retry"
	"github.com/sirupsen/logrus"
)

// Service 路径补全服务
// 静态重建留下的未解析步骤交给 LLM：把当前界面的候选控件
// 连同局部证据给模型，让它选一个动作；模型的选择再经同一套
// 匹配器校验，不会因为模型幻觉引入快照里不存在的控件
type Service struct {
	client     ChatClient
	matcher    *match.Matcher
	maxRetries int
	logger     *logrus.Logger
}

// NewService 创建补全服务
func NewService(client ChatClient, matcher *match.Matcher, maxRetries int, logger *logrus.Logger) *Service {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Service{
		client:     client,
		matcher:    matcher,
		maxRetries: maxRetries,
		logger:     logger,
	}
}

// suggestion 模型回复的动作 JSON
type suggestion struct {
	Action      string `json:"action"`
	WidgetIndex *int   `json:"widget_index"`
	InputText   string `json:"input_text"`
	Reason      string `json:"reason"`
}

// Complete 为上下文中第 stepIdx 个（未解析）步骤生成可执行步骤
// 模型失败或选择无法通过匹配器校验时返回错误，调用方按协议降级
func (s *Service) Complete(ctx context.Context, ictx *domain.InteractionContext, stepIdx int, snap *domain.Snapshot) (*domain.ContextStep, error) {
	if stepIdx < 0 || stepIdx >= len(ictx.Steps) {
		return nil, fmt.Errorf("step index %d out of range", stepIdx)
	}
	candidates := snap.Interactable()
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no interactable widgets on %s", snap.Activity)
	}

	prompt := s.buildPrompt(ictx, stepIdx, snap, candidates)

	cfg := &retry.Config{
		MaxAttempts:     s.maxRetries + 1,
		InitialInterval: time.Second,
		MaxInterval:     5 * time.Second,
		Strategy:        retry.StrategyFixed,
		Logger:          s.logger,
	}

	step, err := retry.DoWithResult(ctx, cfg, func(ctx context.Context) (*domain.ContextStep, error) {
		raw, err := s.client.Complete(ctx, prompt)
		if err != nil {
			return nil, err
		}
		return s.validate(raw, snap, candidates, ictx.Steps[stepIdx].Screen)
	})
	if err != nil {
		return nil, fmt.Errorf("path completion failed: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"location": ictx.Location.Key(),
		"step":     stepIdx,
		"action":   step.Action,
		"widget":   step.Widget.ResourceID,
	}).Info("Unresolved step completed")

	return step, nil
}

// validate 解析并校验模型的选择
func (s *Service) validate(raw string, snap *domain.Snapshot, candidates []domain.RuntimeWidget, screen string) (*domain.ContextStep, error) {
	var sug suggestion
	if err := json.Unmarshal([]byte(extractJSON(raw)), &sug); err != nil {
		return nil, fmt.Errorf("failed to parse completion response: %w", err)
	}

	action := domain.ActionKind(sug.Action)
	if !action.Valid() || action == domain.ActionLaunch {
		return nil, fmt.Errorf("completion suggested unknown action %q", sug.Action)
	}

	step := &domain.ContextStep{
		Screen:    screen,
		Action:    action,
		InputText: sug.InputText,
		Resolved:  true,
		Completed: true,
		Evidence:  sug.Reason,
	}
	if step.Screen == "" {
		step.Screen = snap.Activity
	}

	// back 不需要目标控件
	if action == domain.ActionBack {
		return step, nil
	}

	if sug.WidgetIndex == nil || *sug.WidgetIndex < 0 || *sug.WidgetIndex >= len(candidates) {
		return nil, fmt.Errorf("completion widget index out of range")
	}
	chosen := candidates[*sug.WidgetIndex]
	step.Widget = descriptorOf(chosen)

	// 用同一套匹配器回验，保证该描述符在快照里能唯一落点；
	// 歧义与落空同样拒绝，模型的选择不享受比静态步骤更宽的标准
	res := s.matcher.Resolve(step.Widget, snap)
	if res.Verdict != match.VerdictMatched {
		return nil, fmt.Errorf("completed step does not resolve unambiguously against snapshot (verdict %s)", res.Verdict)
	}
	return step, nil
}

// buildPrompt 组装补全提示词：任务背景、已走步骤、断点证据、候选控件清单
func (s *Service) buildPrompt(ictx *domain.InteractionContext, stepIdx int, snap *domain.Snapshot, candidates []domain.RuntimeWidget) string {
	var b strings.Builder

	b.WriteString("You are guiding automated UI exploration of an Android app toward a suspicious code location.\n\n")
	fmt.Fprintf(&b, "Target: method %s (rule %s, %s)\n",
		ictx.Location.QualifiedMethod(), ictx.Location.RuleID, ictx.Location.Category)
	if ictx.Location.Evidence != "" {
		fmt.Fprintf(&b, "Suspicious code: %s\n", ictx.Location.Evidence)
	}

	b.WriteString("\nSteps executed so far:\n")
	for i := 0; i < stepIdx; i++ {
		st := ictx.Steps[i]
		fmt.Fprintf(&b, "%d. %s on screen %s", i+1, st.Action, st.Screen)
		if st.Widget.ResourceID != "" {
			fmt.Fprintf(&b, " (widget %s)", st.Widget.ResourceID)
		}
		b.WriteString("\n")
	}

	broken := ictx.Steps[stepIdx]
	b.WriteString("\nThe next step could not be determined statically.\n")
	if broken.Evidence != "" {
		fmt.Fprintf(&b, "Static analysis hint: %s\n", broken.Evidence)
	}

	fmt.Fprintf(&b, "\nCurrent screen: %s\nInteractable widgets:\n", snap.Activity)
	for i, w := range candidates {
		fmt.Fprintf(&b, "%d. class=%s", i, w.Class)
		if w.ResourceID != "" {
			fmt.Fprintf(&b, " id=%s", w.ResourceID)
		}
		if w.Text != "" {
			fmt.Fprintf(&b, " text=%q", w.Text)
		}
		b.WriteString("\n")
	}

	b.WriteString(`
Choose ONE action that most likely advances toward the target. Reply with JSON only:
{"action": "tap|input|scroll|swipe|back", "widget_index": <index from the list above>, "input_text": "<text when action is input>", "reason": "<one sentence>"}
`)
	return b.String()
}

// descriptorOf 运行时控件反推描述符，供匹配器回验与落点
func descriptorOf(w domain.RuntimeWidget) domain.WidgetDescriptor {
	idx := w.SiblingIndex
	return domain.WidgetDescriptor{
		ResourceID:    w.ResourceID,
		Text:          w.Text,
		Class:         w.Class,
		SiblingIndex:  &idx,
		AncestorChain: append([]string(nil), w.AncestorChain...),
	}
}
