package rules

import (
	"regexp"
	"strings"

	"github.com/TheMystery123/TraceDroid/internal/domain"
	"github.com/TheMystery123/TraceDroid/internal/sourcemodel"
)

// 内置规则的启发式依赖反编译源码的文本形态，不做数据流分析。
// 误报由后续动态探索消化，漏报靠目录里的关键字规则补充。

var (
	// 返回值可空的常见 Android API
	reNullableChained = regexp.MustCompile(`(getStringExtra|getSerializableExtra|getParcelableExtra|getExtras|getArguments|findFragmentByTag|getSystemService)\([^)]*\)\s*\.`)
	reNullableAssign  = regexp.MustCompile(`(\w+)\s*=\s*[\w().]*(getStringExtra|getSerializableExtra|getParcelableExtra|getExtras|getArguments|findFragmentByTag)\(`)

	reColumnIndex = regexp.MustCompile(`getColumnIndex\(`)

	reUICall       = regexp.MustCompile(`\.(setText|setVisibility|setAdapter|setImage\w*|notifyDataSetChanged|show)\(`)
	reBackgroundCt = regexp.MustCompile(`new\s+Thread|doInBackground|Executors\.|\.execute\(|\.submit\(`)
	reUISafe       = regexp.MustCompile(`runOnUiThread|\.post\(|Handler\s*\(\s*Looper\.getMainLooper|@UiThread|@MainThread`)

	reDetachedAccess = regexp.MustCompile(`(getActivity|getContext)\(\)\s*\.`)

	reIndexLiteral = regexp.MustCompile(`\.get\(\s*\d+\s*\)|\w+\[\s*\d+\s*\]`)
	reIndexGuard   = regexp.MustCompile(`isEmpty\(\)|\.size\(\)|\.length|\.length\(\)`)
)

// builtinRules 内置规则目录
func builtinRules() []Rule {
	return []Rule{
		{
			ID:          "nullable_result_deref",
			Category:    domain.CategoryNullPointer,
			Description: "dereference of a known-nullable Android API result without a null check",
			Match:       matchNullableDeref,
		},
		{
			ID:          "index_literal_access",
			Category:    domain.CategoryIndexBounds,
			Description: "literal index access on a collection without an emptiness or size guard",
			Match:       matchIndexLiteral,
		},
		{
			ID:          "lifecycle_detached_access",
			Category:    domain.CategoryLifecycle,
			Description: "getActivity/getContext dereference in a fragment callback without attachment check",
			Match:       matchDetachedAccess,
		},
		{
			ID:          "ui_thread_mutation",
			Category:    domain.CategoryUIThread,
			Description: "view mutation from a background execution context without posting to the main thread",
			Match:       matchUIThreadMutation,
		},
		{
			ID:          "cursor_column_guard",
			Category:    domain.CategoryDatabase,
			Description: "getColumnIndex result used without guarding against -1",
			Match:       matchCursorColumn,
		},
	}
}

// matchNullableDeref 可空 API 结果未判空即解引用
func matchNullableDeref(_ *sourcemodel.Tree, m *sourcemodel.Method) []Hit {
	var hits []Hit

	// 链式解引用：结果直接 .method()，没有任何判空机会
	for _, loc := range reNullableChained.FindAllStringIndex(m.Body, -1) {
		hits = append(hits, Hit{
			StartLine:  offsetLine(m, loc[0]),
			EndLine:    offsetLine(m, loc[0]),
			Confidence: 0.8,
			Evidence:   lineAt(m.Body, loc[0]),
		})
	}

	// 赋值后使用：变量取自可空 API，方法体内没有对它的判空
	for _, sub := range reNullableAssign.FindAllStringSubmatchIndex(m.Body, -1) {
		name := m.Body[sub[2]:sub[3]]
		if name == "" {
			continue
		}
		if strings.Contains(m.Body, name+" != null") || strings.Contains(m.Body, name+" == null") ||
			strings.Contains(m.Body, "requireNonNull("+name) {
			continue
		}
		if !strings.Contains(m.Body[sub[1]:], name+".") {
			continue
		}
		hits = append(hits, Hit{
			StartLine:  offsetLine(m, sub[0]),
			EndLine:    offsetLine(m, sub[0]),
			Confidence: 0.6,
			Evidence:   lineAt(m.Body, sub[0]),
		})
	}

	return hits
}

// matchIndexLiteral 字面量下标访问且无空/越界保护
func matchIndexLiteral(_ *sourcemodel.Tree, m *sourcemodel.Method) []Hit {
	if reIndexGuard.MatchString(m.Body) {
		return nil
	}
	var hits []Hit
	for _, loc := range reIndexLiteral.FindAllStringIndex(m.Body, -1) {
		hits = append(hits, Hit{
			StartLine:  offsetLine(m, loc[0]),
			EndLine:    offsetLine(m, loc[0]),
			Confidence: 0.5,
			Evidence:   lineAt(m.Body, loc[0]),
		})
	}
	return hits
}

// matchDetachedAccess Fragment 脱离宿主后的上下文解引用
func matchDetachedAccess(_ *sourcemodel.Tree, m *sourcemodel.Method) []Hit {
	if strings.Contains(m.Body, "isAdded()") ||
		strings.Contains(m.Body, "getActivity() != null") ||
		strings.Contains(m.Body, "getContext() != null") ||
		strings.Contains(m.Body, "requireActivity()") {
		return nil
	}
	var hits []Hit
	for _, loc := range reDetachedAccess.FindAllStringIndex(m.Body, -1) {
		hits = append(hits, Hit{
			StartLine:  offsetLine(m, loc[0]),
			EndLine:    offsetLine(m, loc[0]),
			Confidence: 0.5,
			Evidence:   lineAt(m.Body, loc[0]),
		})
	}
	return hits
}

// matchUIThreadMutation 后台执行上下文里直接改视图
func matchUIThreadMutation(_ *sourcemodel.Tree, m *sourcemodel.Method) []Hit {
	background := m.Name == "run" || m.Name == "doInBackground" ||
		m.Name == "onResponse" || m.Name == "onFailure" || m.Name == "call" ||
		reBackgroundCt.MatchString(m.Body)
	if !background || reUISafe.MatchString(m.Body) {
		return nil
	}
	var hits []Hit
	for _, loc := range reUICall.FindAllStringIndex(m.Body, -1) {
		hits = append(hits, Hit{
			StartLine:  offsetLine(m, loc[0]),
			EndLine:    offsetLine(m, loc[0]),
			Confidence: 0.4,
			Evidence:   lineAt(m.Body, loc[0]),
		})
	}
	return hits
}

// matchCursorColumn getColumnIndex 未防 -1
func matchCursorColumn(_ *sourcemodel.Tree, m *sourcemodel.Method) []Hit {
	if strings.Contains(m.Body, "getColumnIndexOrThrow") ||
		strings.Contains(m.Body, "!= -1") || strings.Contains(m.Body, ">= 0") ||
		strings.Contains(m.Body, "> -1") {
		return nil
	}
	var hits []Hit
	for _, loc := range reColumnIndex.FindAllStringIndex(m.Body, -1) {
		hits = append(hits, Hit{
			StartLine:  offsetLine(m, loc[0]),
			EndLine:    offsetLine(m, loc[0]),
			Confidence: 0.6,
			Evidence:   lineAt(m.Body, loc[0]),
		})
	}
	return hits
}

// offsetLine 方法体偏移换算到文件行号
func offsetLine(m *sourcemodel.Method, idx int) int {
	return m.StartLine + strings.Count(m.Body[:idx], "\n")
}
