package uiauto

import (
	"encoding/xml"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/TheMystery123/TraceDroid/internal/domain"
)

// uiNode uiautomator dump 的 XML 节点
type uiNode struct {
	XMLName     xml.Name `xml:"node"`
	Index       string   `xml:"index,attr"`
	Text        string   `xml:"text,attr"`
	ResourceID  string   `xml:"resource-id,attr"`
	Class       string   `xml:"class,attr"`
	Package     string   `xml:"package,attr"`
	ContentDesc string   `xml:"content-desc,attr"`
	Clickable   string   `xml:"clickable,attr"`
	Enabled     string   `xml:"enabled,attr"`
	Bounds      string   `xml:"bounds,attr"`
	Children    []uiNode `xml:"node"`
}

// uiHierarchy <hierarchy> 根元素
type uiHierarchy struct {
	XMLName  xml.Name `xml:"hierarchy"`
	Rotation string   `xml:"rotation,attr"`
	Nodes    []uiNode `xml:"node"`
}

var boundsRe = regexp.MustCompile(`\[(\d+),(\d+)\]\[(\d+),(\d+)\]`)

// ParseHierarchy 把 uiautomator dump 的 XML 摊平成界面快照
// 控件按文档序排列，保留兄弟序号和祖先类名链供结构匹配
func ParseHierarchy(xmlContent, activity, pkg string) (*domain.Snapshot, error) {
	if strings.TrimSpace(xmlContent) == "" {
		return nil, fmt.Errorf("empty UI hierarchy")
	}

	var roots []uiNode
	var hierarchy uiHierarchy
	if err := xml.Unmarshal([]byte(xmlContent), &hierarchy); err == nil && len(hierarchy.Nodes) > 0 {
		roots = hierarchy.Nodes
	} else {
		// 兼容以 <node> 为根的旧格式
		var root uiNode
		if err := xml.Unmarshal([]byte(xmlContent), &root); err != nil {
			return nil, fmt.Errorf("failed to parse UI hierarchy: %w", err)
		}
		roots = []uiNode{root}
	}

	snap := &domain.Snapshot{
		Activity:   activity,
		Package:    pkg,
		CapturedAt: time.Now(),
	}
	for i, root := range roots {
		flatten(root, nil, i, snap)
	}
	return snap, nil
}

// flatten 递归摊平节点树
func flatten(node uiNode, ancestors []string, siblingIdx int, snap *domain.Snapshot) {
	bounds, ok := parseBounds(node.Bounds)
	if ok {
		text := strings.TrimSpace(node.Text)
		if text == "" {
			text = strings.TrimSpace(node.ContentDesc)
		}
		idx := siblingIdx
		if v, err := strconv.Atoi(node.Index); err == nil {
			idx = v
		}
		snap.Widgets = append(snap.Widgets, domain.RuntimeWidget{
			ResourceID:    node.ResourceID,
			Text:          text,
			Class:         node.Class,
			Package:       node.Package,
			SiblingIndex:  idx,
			AncestorChain: append([]string(nil), ancestors...),
			Bounds:        bounds,
			Center:        [2]int{(bounds[0] + bounds[2]) / 2, (bounds[1] + bounds[3]) / 2},
			Clickable:     node.Clickable == "true",
			Enabled:       node.Enabled != "false",
			Visible:       bounds[2] > bounds[0] && bounds[3] > bounds[1],
		})
	}

	childAncestors := ancestors
	if node.Class != "" {
		childAncestors = append(append([]string(nil), ancestors...), node.Class)
	}
	for i, child := range node.Children {
		flatten(child, childAncestors, i, snap)
	}
}

// parseBounds 解析 "[100,200][300,400]" 形式的边界
func parseBounds(s string) ([4]int, bool) {
	m := boundsRe.FindStringSubmatch(s)
	if len(m) != 5 {
		return [4]int{}, false
	}
	var b [4]int
	for i := 0; i < 4; i++ {
		v, err := strconv.Atoi(m[i+1])
		if err != nil {
			return [4]int{}, false
		}
		b[i] = v
	}
	return b, true
}
