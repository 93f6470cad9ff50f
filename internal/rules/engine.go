package rules

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/TheMystery123/TraceDroid/internal/domain"
	"github.com/TheMystery123/TraceDroid/internal/sourcemodel"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Hit 规则在某方法内的一次命中
type Hit struct {
	StartLine  int
	EndLine    int
	Confidence float64
	Evidence   string
}

// MatchFunc 规则谓词：对单个方法求值，可返回多处命中
type MatchFunc func(tree *sourcemodel.Tree, m *sourcemodel.Method) []Hit

// Rule 一条启发式规则（封闭枚举的类别 + 注册机制，不做开放类层次）
type Rule struct {
	ID          string
	Category    domain.RuleCategory
	Description string
	Match       MatchFunc
}

// Engine 规则目录与匹配器
// 对源码模型的全部方法执行全部规则，每个 (rule, location) 产出一条 finding；
// 同一位置被不同规则命中时各自保留，绝不静默丢弃
type Engine struct {
	rules    []Rule
	byID     map[string]bool
	disabled map[string]bool
	weights  map[domain.RuleCategory]int
	logger   *logrus.Logger
}

// NewEngine 创建引擎并注册内置规则目录
func NewEngine(logger *logrus.Logger) *Engine {
	e := &Engine{
		byID:     make(map[string]bool),
		disabled: make(map[string]bool),
		weights:  make(map[domain.RuleCategory]int),
		logger:   logger,
	}
	for _, r := range builtinRules() {
		if err := e.Register(r); err != nil {
			// 内置目录重复 id 属编程错误
			panic(err)
		}
	}
	return e
}

// Register 注册一条规则；id 重复或类别未知时报错
func (e *Engine) Register(r Rule) error {
	if r.ID == "" || r.Match == nil {
		return fmt.Errorf("rule must have id and match predicate")
	}
	if !r.Category.Valid() {
		return fmt.Errorf("rule %s: unknown category %q", r.ID, r.Category)
	}
	if e.byID[r.ID] {
		return fmt.Errorf("rule %s already registered", r.ID)
	}
	e.byID[r.ID] = true
	e.rules = append(e.rules, r)
	return nil
}

// Rules 已注册规则（只读，API 展示用）
func (e *Engine) Rules() []Rule {
	out := make([]Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// catalogFile YAML 目录调优文件
type catalogFile struct {
	CategoryWeights map[string]int `yaml:"category_weights"`
	DisabledRules   []string       `yaml:"disabled_rules"`
	KeywordRules    []struct {
		ID         string   `yaml:"id"`
		Category   string   `yaml:"category"`
		Keywords   []string `yaml:"keywords"`
		Confidence float64  `yaml:"confidence"`
	} `yaml:"keyword_rules"`
}

// LoadCatalog 从 YAML 文件加载目录调优：类别权重覆盖、停用规则、追加关键字规则
func (e *Engine) LoadCatalog(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read rule catalog: %w", err)
	}

	var cat catalogFile
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return fmt.Errorf("failed to parse rule catalog: %w", err)
	}

	for name, w := range cat.CategoryWeights {
		c := domain.RuleCategory(name)
		if !c.Valid() {
			return fmt.Errorf("rule catalog: unknown category %q", name)
		}
		e.weights[c] = w
	}
	for _, id := range cat.DisabledRules {
		e.disabled[id] = true
	}
	for _, kr := range cat.KeywordRules {
		keywords := kr.Keywords
		conf := kr.Confidence
		if conf == 0 {
			conf = 0.3
		}
		if err := e.Register(Rule{
			ID:          kr.ID,
			Category:    domain.RuleCategory(kr.Category),
			Description: fmt.Sprintf("keyword rule: %s", strings.Join(keywords, ", ")),
			Match:       keywordMatch(keywords, conf),
		}); err != nil {
			return err
		}
	}

	e.logger.WithFields(logrus.Fields{
		"rules":    len(e.rules),
		"disabled": len(e.disabled),
	}).Info("Rule catalog loaded")
	return nil
}

// keywordMatch 关键字规则谓词
func keywordMatch(keywords []string, confidence float64) MatchFunc {
	return func(_ *sourcemodel.Tree, m *sourcemodel.Method) []Hit {
		var hits []Hit
		for _, kw := range keywords {
			if idx := strings.Index(m.Body, kw); idx >= 0 {
				line := m.StartLine + strings.Count(m.Body[:idx], "\n")
				hits = append(hits, Hit{
					StartLine:  line,
					EndLine:    line,
					Confidence: confidence,
					Evidence:   lineAt(m.Body, idx),
				})
			}
		}
		return hits
	}
}

// categoryWeight 类别权重，目录未覆盖时用内置权重
func (e *Engine) categoryWeight(c domain.RuleCategory) int {
	if w, ok := e.weights[c]; ok {
		return w
	}
	return c.Weight()
}

// Detect 对源码模型执行全部规则，产出按优先级排序的可疑位置列表
// 排序：类别权重降序 -> 静态风险分降序 -> 唯一键升序（保证确定性）
func (e *Engine) Detect(ctx context.Context, tree *sourcemodel.Tree) ([]domain.SuspiciousLocation, error) {
	var findings []domain.SuspiciousLocation

	for _, m := range tree.Methods() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		for _, r := range e.rules {
			if e.disabled[r.ID] {
				continue
			}
			for _, hit := range r.Match(tree, m) {
				findings = append(findings, domain.SuspiciousLocation{
					File:       m.File,
					Class:      m.Class,
					Method:     m.Name,
					StartLine:  hit.StartLine,
					EndLine:    hit.EndLine,
					RuleID:     r.ID,
					Category:   r.Category,
					Confidence: hit.Confidence,
					RiskScore:  riskScore(tree, m.ID),
					Evidence:   hit.Evidence,
					MethodRef:  int(m.ID),
					Callers:    tree.CallerNames(m.ID),
				})
			}
		}
	}

	sort.SliceStable(findings, func(i, j int) bool {
		wi, wj := e.categoryWeight(findings[i].Category), e.categoryWeight(findings[j].Category)
		if wi != wj {
			return wi > wj
		}
		if findings[i].RiskScore != findings[j].RiskScore {
			return findings[i].RiskScore > findings[j].RiskScore
		}
		return findings[i].Key() < findings[j].Key()
	})

	e.logger.WithFields(logrus.Fields{
		"methods":  tree.MethodCount(),
		"findings": len(findings),
	}).Info("Rule detection completed")

	return findings, nil
}

// riskScore 静态风险分：离 UI 入口越近越高；入口不可达记 0（下游会判不可达）
func riskScore(tree *sourcemodel.Tree, id sourcemodel.MethodID) float64 {
	dist := tree.EntryDistance(id)
	if dist < 0 {
		return 0
	}
	return 1.0 / float64(1+dist)
}

// lineAt 取 idx 所在的整行（修剪空白）
func lineAt(body string, idx int) string {
	start := strings.LastIndex(body[:idx], "\n") + 1
	end := strings.Index(body[idx:], "\n")
	if end < 0 {
		end = len(body) - idx
	}
	return strings.TrimSpace(body[start : idx+end])
}
