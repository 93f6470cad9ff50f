package rules

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/TheMystery123/TraceDroid/internal/domain"
	"github.com/TheMystery123/TraceDroid/internal/sourcemodel"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

// addMethod 往树里塞一个带方法体的方法
func addMethod(tree *sourcemodel.Tree, class, name, body string) sourcemodel.MethodID {
	return tree.AddMethod(&sourcemodel.Method{
		Class:     class,
		Name:      name,
		File:      "Test.java",
		StartLine: 10,
		EndLine:   10 + 20,
		Body:      body,
	})
}

// TestEngine_NullableDeref 测试可空 API 解引用规则
func TestEngine_NullableDeref(t *testing.T) {
	tree := sourcemodel.NewTree()
	addMethod(tree, "com.example.A", "chained",
		"void chained() {\n    int n = getIntent().getStringExtra(\"k\").length();\n}")
	addMethod(tree, "com.example.A", "assigned",
		"void assigned() {\n    String s = getIntent().getStringExtra(\"k\");\n    use(s.trim());\n}")
	addMethod(tree, "com.example.A", "guarded",
		"void guarded() {\n    String s = getIntent().getStringExtra(\"k\");\n    if (s != null) { use(s.trim()); }\n}")

	engine := NewEngine(testLogger())
	findings, err := engine.Detect(context.Background(), tree)
	require.NoError(t, err)

	byMethod := make(map[string][]domain.SuspiciousLocation)
	for _, f := range findings {
		if f.RuleID == "nullable_result_deref" {
			byMethod[f.Method] = append(byMethod[f.Method], f)
		}
	}

	assert.NotEmpty(t, byMethod["chained"], "chained deref should be flagged")
	assert.NotEmpty(t, byMethod["assigned"], "unguarded assigned deref should be flagged")
	assert.Empty(t, byMethod["guarded"], "null-checked variable should not be flagged")
}

// TestEngine_CursorColumnGuard 测试 getColumnIndex 守卫规则
func TestEngine_CursorColumnGuard(t *testing.T) {
	tree := sourcemodel.NewTree()
	addMethod(tree, "com.example.Dao", "unguarded",
		"void unguarded() {\n    int idx = cursor.getColumnIndex(\"name\");\n    cursor.getString(idx);\n}")
	addMethod(tree, "com.example.Dao", "guarded",
		"void guarded() {\n    int idx = cursor.getColumnIndex(\"name\");\n    if (idx != -1) { cursor.getString(idx); }\n}")

	engine := NewEngine(testLogger())
	findings, err := engine.Detect(context.Background(), tree)
	require.NoError(t, err)

	var methods []string
	for _, f := range findings {
		if f.RuleID == "cursor_column_guard" {
			methods = append(methods, f.Method)
		}
	}
	assert.Equal(t, []string{"unguarded"}, methods)
}

// TestEngine_IndexLiteral 测试字面量下标访问规则
func TestEngine_IndexLiteral(t *testing.T) {
	tree := sourcemodel.NewTree()
	addMethod(tree, "com.example.A", "raw",
		"void raw() {\n    String first = items.get(0);\n}")
	addMethod(tree, "com.example.A", "checked",
		"void checked() {\n    if (!items.isEmpty()) { String first = items.get(0); }\n}")

	engine := NewEngine(testLogger())
	findings, err := engine.Detect(context.Background(), tree)
	require.NoError(t, err)

	var methods []string
	for _, f := range findings {
		if f.RuleID == "index_literal_access" {
			methods = append(methods, f.Method)
		}
	}
	assert.Equal(t, []string{"raw"}, methods)
}

// TestEngine_UIThreadMutation 测试后台改视图规则
func TestEngine_UIThreadMutation(t *testing.T) {
	tree := sourcemodel.NewTree()
	addMethod(tree, "com.example.Task", "run",
		"void run() {\n    statusView.setText(\"done\");\n}")
	addMethod(tree, "com.example.Task", "onResponse",
		"void onResponse() {\n    runOnUiThread(() -> statusView.setText(\"done\"));\n}")

	engine := NewEngine(testLogger())
	findings, err := engine.Detect(context.Background(), tree)
	require.NoError(t, err)

	var methods []string
	for _, f := range findings {
		if f.RuleID == "ui_thread_mutation" {
			methods = append(methods, f.Method)
		}
	}
	assert.Equal(t, []string{"run"}, methods)
}

// TestEngine_Ordering 测试排序：类别权重优先，其次入口邻近度
func TestEngine_Ordering(t *testing.T) {
	tree := sourcemodel.NewTree()
	// ui_thread 命中（权重 40），离入口 0 跳
	near := addMethod(tree, "com.example.Task", "run",
		"void run() {\n    v.setText(\"x\");\n}")
	tree.Method(near).Entry = &sourcemodel.EntryPoint{Kind: sourcemodel.EntryLifecycle, Resolved: true}
	// null_pointer 命中（权重 100），入口不可达
	addMethod(tree, "com.example.A", "deep",
		"void deep() {\n    getArguments().getString(\"k\");\n}")

	engine := NewEngine(testLogger())
	findings, err := engine.Detect(context.Background(), tree)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(findings), 2)

	// 类别权重压过风险分
	assert.Equal(t, domain.CategoryNullPointer, findings[0].Category)
}

// TestEngine_MultiRuleSameLocation 测试同一位置多规则命中各自保留
func TestEngine_MultiRuleSameLocation(t *testing.T) {
	tree := sourcemodel.NewTree()
	addMethod(tree, "com.example.A", "messy",
		"void messy() {\n    getArguments().getString(\"k\");\n    String s = items.get(0);\n}")

	engine := NewEngine(testLogger())
	findings, err := engine.Detect(context.Background(), tree)
	require.NoError(t, err)

	rules := make(map[string]bool)
	for _, f := range findings {
		rules[f.RuleID] = true
	}
	assert.True(t, rules["nullable_result_deref"])
	assert.True(t, rules["index_literal_access"])
}

// TestEngine_LoadCatalog 测试 YAML 目录调优：停用规则、权重覆盖、关键字规则
func TestEngine_LoadCatalog(t *testing.T) {
	catalog := `
category_weights:
  ui_thread: 999
disabled_rules:
  - index_literal_access
keyword_rules:
  - id: div_by_literal_zero
    category: index_bounds
    keywords: ["/ 0"]
    confidence: 0.9
`
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(catalog), 0o644))

	engine := NewEngine(testLogger())
	require.NoError(t, engine.LoadCatalog(path))

	tree := sourcemodel.NewTree()
	addMethod(tree, "com.example.A", "messy",
		"void messy() {\n    String s = items.get(0);\n    int r = x / 0;\n    v.setText(new Thread().toString());\n}")

	findings, err := engine.Detect(context.Background(), tree)
	require.NoError(t, err)

	rules := make(map[string]bool)
	for _, f := range findings {
		rules[f.RuleID] = true
	}
	assert.False(t, rules["index_literal_access"], "disabled rule must not fire")
	assert.True(t, rules["div_by_literal_zero"], "keyword rule must fire")

	// 权重覆盖后 ui_thread 排最前
	assert.Equal(t, domain.CategoryUIThread, findings[0].Category)
}

// TestEngine_RegisterDuplicate 测试重复 id 注册报错
func TestEngine_RegisterDuplicate(t *testing.T) {
	engine := NewEngine(testLogger())
	err := engine.Register(Rule{
		ID:       "cursor_column_guard",
		Category: domain.CategoryDatabase,
		Match:    func(*sourcemodel.Tree, *sourcemodel.Method) []Hit { return nil },
	})
	assert.Error(t, err)
}
