package sourcemodel

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/TheMystery123/TraceDroid/internal/domain"
	"github.com/sirupsen/logrus"
	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/java"
)

// Loader 把反编译源码目录解析为可查询的 Tree
type Loader struct {
	logger *logrus.Logger
}

// NewLoader 创建源码加载器
func NewLoader(logger *logrus.Logger) *Loader {
	return &Loader{logger: logger}
}

// pendingCall 第一遍解析时记录的调用点，待全部方法注册后再解析成边
type pendingCall struct {
	from   MethodID
	callee string
}

// pendingIntent startActivity 跳转点
type pendingIntent struct {
	from   MethodID
	target string // 目标 Activity 简单类名
}

// listenerReg 代码中的监听器注册点
type listenerReg struct {
	class    string // 注册发生的类
	event    string // Click / ItemClick / LongClick ...
	widget   domain.WidgetDescriptor
	resolved bool
	evidence string
}

// loadState 单次加载的可变状态
type loadState struct {
	tree        *Tree
	layouts     map[string][]LayoutWidget
	handlerIdx  map[string][]LayoutWidget // onClick 处理器名 -> 声明它的控件
	classLayout map[string]string         // 类 -> setContentView 绑定的布局名
	calls       []pendingCall
	intents     []pendingIntent
	listeners   []listenerReg
}

var lifecycleNames = map[string]bool{
	"onCreate": true, "onStart": true, "onResume": true, "onPause": true,
	"onStop": true, "onDestroy": true, "onRestart": true, "onNewIntent": true,
	"onCreateView": true, "onViewCreated": true, "onActivityCreated": true,
}

var handlerNames = map[string]string{
	"onClick": "Click", "onLongClick": "LongClick", "onItemClick": "ItemClick",
	"onItemSelected": "ItemSelected", "onCheckedChanged": "CheckedChanged",
	"onMenuItemClick": "MenuItemClick", "onEditorAction": "EditorAction",
}

var (
	reFindViewVar    = regexp.MustCompile(`(\w+)\s*=\s*[^;]*findViewById\(R\.id\.(\w+)\)`)
	reFindViewInline = regexp.MustCompile(`findViewById\(R\.id\.(\w+)\)\s*(?:\)\s*)?\.setOn(\w+)Listener`)
	reListenerReg    = regexp.MustCompile(`(\w+)\.setOn(\w+)Listener`)
	reIntentTarget   = regexp.MustCompile(`new\s+Intent\([^)]*?(\w+)\.class`)
	reSetContent     = regexp.MustCompile(`setContentView\(R\.layout\.(\w+)\)`)
	reResourceIDs    = regexp.MustCompile(`R\.id\.(\w+)`)
)

// Load 解析 sourceDir 下的全部反编译 Java 源码与布局资源，构建源码模型
func (l *Loader) Load(ctx context.Context, sourceDir string) (*Tree, error) {
	info, err := os.Stat(sourceDir)
	if err != nil {
		return nil, fmt.Errorf("source dir not accessible: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("source path is not a directory: %s", sourceDir)
	}

	st := &loadState{
		tree:        NewTree(),
		layouts:     scanLayouts(sourceDir, l.logger),
		handlerIdx:  make(map[string][]LayoutWidget),
		classLayout: make(map[string]string),
	}
	for _, widgets := range st.layouts {
		for _, w := range widgets {
			if w.OnClick != "" {
				st.handlerIdx[w.OnClick] = append(st.handlerIdx[w.OnClick], w)
			}
		}
	}

	parser := sitter.NewParser()
	parser.SetLanguage(java.GetLanguage())
	defer parser.Close()

	fileCount := 0
	err = filepath.Walk(sourceDir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return nil // 单个文件失败不终止整体加载
		}
		if fi.IsDir() {
			name := fi.Name()
			if name == "build" || name == "res" || strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(path, ".java") {
			return nil
		}
		base := filepath.Base(path)
		if base == "R.java" || base == "BuildConfig.java" || strings.HasPrefix(base, "R$") {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		src, err := os.ReadFile(path)
		if err != nil {
			l.logger.WithError(err).WithField("file", path).Warn("Failed to read source file")
			return nil
		}

		rel, _ := filepath.Rel(sourceDir, path)
		if err := l.parseFile(ctx, parser, st, rel, src); err != nil {
			l.logger.WithError(err).WithField("file", rel).Debug("tree-sitter parse failed, using fallback scanner")
			l.fallbackScan(st, rel, src)
		}
		fileCount++
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.resolveEdges(st)
	l.markEntries(st)

	l.logger.WithFields(logrus.Fields{
		"files":        fileCount,
		"methods":      st.tree.MethodCount(),
		"entry_points": len(st.tree.EntryPoints()),
		"layouts":      len(st.layouts),
	}).Info("Source model loaded")

	return st.tree, nil
}

// parseFile 用 tree-sitter 解析单个 Java 文件
func (l *Loader) parseFile(ctx context.Context, parser *sitter.Parser, st *loadState, relPath string, src []byte) error {
	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return err
	}
	defer tree.Close()

	root := tree.RootNode()
	if root == nil {
		return fmt.Errorf("empty parse tree")
	}

	pkg := extractPackage(root, src)
	l.walkClasses(st, root, src, relPath, pkg, "")
	return nil
}

// extractPackage 提取 package 声明
func extractPackage(root *sitter.Node, src []byte) string {
	for i := 0; i < int(root.NamedChildCount()); i++ {
		child := root.NamedChild(i)
		if child.Type() == "package_declaration" {
			for j := 0; j < int(child.NamedChildCount()); j++ {
				n := child.NamedChild(j)
				if n.Type() == "scoped_identifier" || n.Type() == "identifier" {
					return n.Content(src)
				}
			}
		}
	}
	return ""
}

// walkClasses 递归下钻类声明；嵌套类用 $ 连接（与反编译产物和崩溃栈的命名一致）
func (l *Loader) walkClasses(st *loadState, node *sitter.Node, src []byte, relPath, pkg, outer string) {
	for i := 0; i < int(node.NamedChildCount()); i++ {
		child := node.NamedChild(i)
		switch child.Type() {
		case "class_declaration", "interface_declaration", "enum_declaration":
			nameNode := child.ChildByFieldName("name")
			if nameNode == nil {
				continue
			}
			simple := nameNode.Content(src)
			var qualified string
			if outer != "" {
				qualified = outer + "$" + simple
			} else if pkg != "" {
				qualified = pkg + "." + simple
			} else {
				qualified = simple
			}
			if body := child.ChildByFieldName("body"); body != nil {
				l.walkClassBody(st, body, src, relPath, pkg, qualified)
			}
		default:
			// 顶层的其他声明里也可能嵌着类（罕见，反编译产物中会出现）
			if child.NamedChildCount() > 0 && child.Type() != "method_declaration" {
				l.walkClasses(st, child, src, relPath, pkg, outer)
			}
		}
	}
}

// walkClassBody 处理类体：注册方法并递归嵌套类
func (l *Loader) walkClassBody(st *loadState, body *sitter.Node, src []byte, relPath, pkg, class string) {
	for i := 0; i < int(body.NamedChildCount()); i++ {
		child := body.NamedChild(i)
		switch child.Type() {
		case "method_declaration", "constructor_declaration":
			l.registerMethod(st, child, src, relPath, class)
		case "class_declaration", "interface_declaration", "enum_declaration":
			nameNode := child.ChildByFieldName("name")
			if nameNode == nil {
				continue
			}
			nested := class + "$" + nameNode.Content(src)
			if nb := child.ChildByFieldName("body"); nb != nil {
				l.walkClassBody(st, nb, src, relPath, pkg, nested)
			}
		}
	}
}

// registerMethod 把一个方法声明注册进 arena，并收集调用点与触发证据
func (l *Loader) registerMethod(st *loadState, node *sitter.Node, src []byte, relPath, class string) {
	nameNode := node.ChildByFieldName("name")
	if nameNode == nil {
		return
	}
	name := nameNode.Content(src)
	body := node.Content(src)

	id := st.tree.AddMethod(&Method{
		Class:     class,
		Name:      name,
		File:      relPath,
		StartLine: int(node.StartPoint().Row) + 1,
		EndLine:   int(node.EndPoint().Row) + 1,
		Body:      body,
	})

	// 调用点：遍历子树收集 method_invocation
	l.collectCalls(st, node, src, id)

	// 匿名内部类的回调方法也注册到 arena（类名带 $N 无从得知，归入声明类）
	l.collectAnonymousHandlers(st, node, src, relPath, class)

	l.analyzeBody(st, id, class, body)
}

// collectCalls 收集方法子树内的全部调用表达式
func (l *Loader) collectCalls(st *loadState, node *sitter.Node, src []byte, from MethodID) {
	for i := 0; i < int(node.NamedChildCount()); i++ {
		child := node.NamedChild(i)
		if child.Type() == "method_invocation" {
			if n := child.ChildByFieldName("name"); n != nil {
				st.calls = append(st.calls, pendingCall{from: from, callee: n.Content(src)})
			}
		}
		// 匿名类体内的调用归其回调方法收集，这里不下钻
		if child.Type() != "class_body" {
			l.collectCalls(st, child, src, from)
		}
	}
}

// collectAnonymousHandlers 把匿名监听器（new OnClickListener() { onClick... }）的回调注册为方法
func (l *Loader) collectAnonymousHandlers(st *loadState, node *sitter.Node, src []byte, relPath, class string) {
	for i := 0; i < int(node.NamedChildCount()); i++ {
		child := node.NamedChild(i)
		if child.Type() == "object_creation_expression" {
			// class_body 子节点表示匿名类
			for j := 0; j < int(child.NamedChildCount()); j++ {
				cb := child.NamedChild(j)
				if cb.Type() == "class_body" {
					l.walkClassBody(st, cb, src, relPath, "", class)
				}
			}
			continue
		}
		l.collectAnonymousHandlers(st, child, src, relPath, class)
	}
}

// analyzeBody 对方法体文本做触发证据分析：布局绑定、监听器注册、intent 跳转
func (l *Loader) analyzeBody(st *loadState, id MethodID, class, body string) {
	// setContentView 绑定布局
	if m := reSetContent.FindStringSubmatch(body); m != nil {
		if _, ok := st.classLayout[class]; !ok {
			st.classLayout[class] = m[1]
		}
	}

	// 变量 -> 资源 id 映射（btn = findViewById(R.id.login_btn)）
	varIDs := make(map[string]string)
	for _, m := range reFindViewVar.FindAllStringSubmatch(body, -1) {
		varIDs[m[1]] = m[2]
	}

	// 内联注册：findViewById(R.id.x).setOnClickListener(...)
	for _, m := range reFindViewInline.FindAllStringSubmatch(body, -1) {
		st.listeners = append(st.listeners, listenerReg{
			class:    class,
			event:    m[2],
			widget:   domain.WidgetDescriptor{ResourceID: m[1]},
			resolved: true,
		})
	}

	// 变量注册：btn.setOnClickListener(...)
	for _, m := range reListenerReg.FindAllStringSubmatch(body, -1) {
		varName, event := m[1], m[2]
		if varName == "findViewById" { // 已被内联规则覆盖
			continue
		}
		if rid, ok := varIDs[varName]; ok {
			st.listeners = append(st.listeners, listenerReg{
				class:    class,
				event:    event,
				widget:   domain.WidgetDescriptor{ResourceID: rid},
				resolved: true,
			})
		} else {
			// 控件来源无法静态确定（动态构造、反射、间接分发）
			st.listeners = append(st.listeners, listenerReg{
				class:    class,
				event:    event,
				resolved: false,
				evidence: fmt.Sprintf("listener registered on %q in %s, widget id unknown; ids in scope: %s",
					varName, class, strings.Join(dedupe(reResourceIDs.FindAllString(body, 8)), ", ")),
			})
		}
	}

	// startActivity 跳转目标
	if strings.Contains(body, "startActivity") {
		for _, m := range reIntentTarget.FindAllStringSubmatch(body, -1) {
			st.intents = append(st.intents, pendingIntent{from: id, target: m[1]})
		}
	}
}

// fallbackScan tree-sitter 失败时的纯文本退路：只提取方法骨架，不建调用边
var reFallbackMethod = regexp.MustCompile(`(?m)^\s*(?:public|private|protected)[\w<>\[\],\s]*\s(\w+)\s*\([^)]*\)\s*(?:throws [\w,\s.]+)?\{`)
var reFallbackClass = regexp.MustCompile(`(?m)\bclass\s+(\w+)`)
var reFallbackPackage = regexp.MustCompile(`(?m)^package\s+([\w.]+);`)

func (l *Loader) fallbackScan(st *loadState, relPath string, src []byte) {
	text := string(src)
	pkg := ""
	if m := reFallbackPackage.FindStringSubmatch(text); m != nil {
		pkg = m[1]
	}
	class := strings.TrimSuffix(filepath.Base(relPath), ".java")
	if m := reFallbackClass.FindStringSubmatch(text); m != nil {
		class = m[1]
	}
	if pkg != "" {
		class = pkg + "." + class
	}

	lines := strings.Split(text, "\n")
	matches := reFallbackMethod.FindAllStringSubmatchIndex(text, -1)
	for i, m := range matches {
		name := text[m[2]:m[3]]
		startLine := strings.Count(text[:m[0]], "\n") + 1
		endLine := len(lines)
		if i+1 < len(matches) {
			endLine = strings.Count(text[:matches[i+1][0]], "\n")
		}
		bodyEnd := len(text)
		if i+1 < len(matches) {
			bodyEnd = matches[i+1][0]
		}
		id := st.tree.AddMethod(&Method{
			Class:     class,
			Name:      name,
			File:      relPath,
			StartLine: startLine,
			EndLine:   endLine,
			Body:      text[m[0]:bodyEnd],
		})
		l.analyzeBody(st, id, class, text[m[0]:bodyEnd])
	}
}

// resolveEdges 按简单名把调用点解析成调用边
// 反编译代码缺乏可靠类型信息，这里做启发式解析：优先同类方法，其次全局候选
func (l *Loader) resolveEdges(st *loadState) {
	const maxCandidates = 5 // 候选过多说明是通用名（get/run 等），放弃建边

	for _, pc := range st.calls {
		from := st.tree.Method(pc.from)
		candidates := st.tree.LookupSimple(pc.callee)
		if len(candidates) == 0 {
			continue
		}

		// 同类候选优先，且只建一条边
		sameClass := candidates[:0:0]
		for _, c := range candidates {
			if st.tree.Method(c).Class == from.Class {
				sameClass = append(sameClass, c)
			}
		}
		if len(sameClass) > 0 {
			candidates = sameClass
		}
		if len(candidates) > maxCandidates {
			continue
		}
		for _, c := range candidates {
			if c == pc.from {
				continue // 自递归不建边，避免无意义环
			}
			st.tree.AddEdge(pc.from, c, nil)
		}
	}

	// intent 跳转：调用方法 -> 目标界面的生命周期入口
	for _, pi := range st.intents {
		from := st.tree.Method(pi.from)
		for _, c := range st.tree.LookupSimple("onCreate") {
			target := st.tree.Method(c)
			if target.SimpleClass() != pi.target {
				continue
			}
			st.tree.AddEdge(pi.from, c, &Trigger{
				Screen:    from.Class,
				NewScreen: target.Class,
				Resolved:  true,
				Evidence:  fmt.Sprintf("startActivity(%s) in %s", pi.target, from.Qualified()),
			})
		}
	}
}

// markEntries 标记 UI 入口点：生命周期回调、布局声明的处理器、代码注册的监听器
func (l *Loader) markEntries(st *loadState) {
	// 按类分组监听器注册，供回调归属
	regsByClass := make(map[string][]listenerReg)
	for _, reg := range st.listeners {
		regsByClass[reg.class] = append(regsByClass[reg.class], reg)
	}

	// 布局 XML 的 android:onClick 绑定：处理器方法名是任意的，单独按名归属
	for handler, widgets := range st.handlerIdx {
		for _, id := range st.tree.LookupSimple(handler) {
			m := st.tree.Method(id)
			if m.Entry != nil {
				continue
			}
			l.attachHandlerEntry(st, m, widgets)
		}
	}

	for _, m := range st.tree.Methods() {
		if m.Entry != nil {
			continue
		}

		// 生命周期回调：界面启动即触发，无需控件
		if lifecycleNames[m.Name] && isScreenClass(st, m.Class) {
			m.Entry = &EntryPoint{
				Kind:     EntryLifecycle,
				Screen:   screenClass(m.Class),
				Callback: m.Name,
				Resolved: true,
			}
			continue
		}

		event, isHandler := handlerNames[m.Name]
		if !isHandler {
			continue
		}

		// 代码注册的监听器：把注册证据归属到同类（含匿名内部类）的回调上
		owner := outerClass(m.Class)
		regs := regsByClass[owner]
		if len(regs) == 0 {
			regs = regsByClass[m.Class]
		}
		matching := regs[:0:0]
		for _, r := range regs {
			if r.event == event {
				matching = append(matching, r)
			}
		}
		switch {
		case len(matching) == 1 && matching[0].resolved:
			m.Entry = &EntryPoint{
				Kind:     EntryListener,
				Screen:   screenClass(owner),
				Callback: m.Name,
				Widget:   matching[0].widget,
				Resolved: true,
			}
		case len(matching) > 0:
			// 注册与回调无法一一对应，作为未解析入口保留证据
			var ids []string
			for _, r := range matching {
				if r.widget.ResourceID != "" {
					ids = append(ids, r.widget.ResourceID)
				} else if r.evidence != "" {
					ids = append(ids, r.evidence)
				}
			}
			m.Entry = &EntryPoint{
				Kind:     EntryListener,
				Screen:   screenClass(owner),
				Callback: m.Name,
				Resolved: false,
				Evidence: fmt.Sprintf("%d %s listener registrations in %s: %s",
					len(matching), event, owner, strings.Join(ids, "; ")),
			}
		}
	}
}

// attachHandlerEntry 绑定布局处理器入口
func (l *Loader) attachHandlerEntry(st *loadState, m *Method, widgets []LayoutWidget) {
	// 多个布局声明同名处理器时，优先绑定到该类关联布局里的控件
	if len(widgets) > 1 {
		filtered := widgets[:0:0]
		for _, w := range widgets {
			if layoutMatchesClass(st, w.Layout, m.Class) {
				filtered = append(filtered, w)
			}
		}
		if len(filtered) > 0 {
			widgets = filtered
		}
	}
	if len(widgets) == 1 {
		m.Entry = &EntryPoint{
			Kind:     EntryHandler,
			Screen:   screenClass(m.Class),
			Callback: m.Name,
			Widget:   widgets[0].Descriptor,
			Resolved: true,
		}
		return
	}
	var ids []string
	for _, w := range widgets {
		ids = append(ids, w.Descriptor.ResourceID)
	}
	m.Entry = &EntryPoint{
		Kind:     EntryHandler,
		Screen:   screenClass(m.Class),
		Callback: m.Name,
		Resolved: false,
		Evidence: fmt.Sprintf("handler %q declared by multiple widgets: %s", m.Name, strings.Join(ids, ", ")),
	}
}

// isScreenClass 类是否是界面类（Activity/Fragment 后缀，或绑定过布局）
func isScreenClass(st *loadState, class string) bool {
	simple := class
	if idx := strings.LastIndex(simple, "."); idx >= 0 {
		simple = simple[idx+1:]
	}
	if strings.HasSuffix(simple, "Activity") || strings.HasSuffix(simple, "Fragment") {
		return true
	}
	_, ok := st.classLayout[class]
	return ok
}

// screenClass 界面类名：匿名/嵌套回调归属外层类
func screenClass(class string) string {
	return outerClass(class)
}

// outerClass 去掉 $ 后缀得到外层类
func outerClass(class string) string {
	if idx := strings.Index(class, "$"); idx >= 0 {
		return class[:idx]
	}
	return class
}

// layoutMatchesClass 布局名与类名的弱关联（activity_main <-> MainActivity）
func layoutMatchesClass(st *loadState, layout, class string) bool {
	if bound, ok := st.classLayout[outerClass(class)]; ok {
		return bound == layout
	}
	simple := strings.ToLower(outerClass(class))
	if idx := strings.LastIndex(simple, "."); idx >= 0 {
		simple = simple[idx+1:]
	}
	normalized := strings.ReplaceAll(layout, "_", "")
	return strings.Contains(simple, strings.TrimPrefix(normalized, "activity")) ||
		strings.Contains(simple, strings.TrimPrefix(normalized, "fragment"))
}

// dedupe 去重并保序
func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
