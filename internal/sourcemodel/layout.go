package sourcemodel

import (
	"encoding/xml"
	"os"
	"path/filepath"
	"strings"

	"github.com/TheMystery123/TraceDroid/internal/domain"
	"github.com/sirupsen/logrus"
)

// LayoutWidget 布局 XML 中声明的控件
type LayoutWidget struct {
	Descriptor domain.WidgetDescriptor
	OnClick    string // android:onClick 声明的处理器方法名，可为空
	Layout     string // 所属布局名（文件名去扩展名）
}

// layoutNode 布局 XML 的通用节点（标签名即控件类名）
type layoutNode struct {
	XMLName xml.Name
	Attrs   []xml.Attr   `xml:",any,attr"`
	Nodes   []layoutNode `xml:",any"`
}

// stringEntry res/values/strings.xml 中的一条字符串资源
type stringEntry struct {
	Name  string `xml:"name,attr"`
	Value string `xml:",chardata"`
}

type stringResources struct {
	XMLName xml.Name      `xml:"resources"`
	Strings []stringEntry `xml:"string"`
}

// scanLayouts 扫描 res/layout 下的全部布局文件，提取控件及其 onClick 绑定
// 反编译产物（apktool/jadx 资源）中的布局是明文 XML，可直接解析
func scanLayouts(sourceDir string, logger *logrus.Logger) map[string][]LayoutWidget {
	layouts := make(map[string][]LayoutWidget)

	strTable := loadStringTable(sourceDir)

	layoutDirs, _ := filepath.Glob(filepath.Join(sourceDir, "res", "layout*"))
	for _, dir := range layoutDirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".xml") {
				continue
			}
			path := filepath.Join(dir, e.Name())
			data, err := os.ReadFile(path)
			if err != nil {
				continue
			}

			var root layoutNode
			if err := xml.Unmarshal(data, &root); err != nil {
				logger.WithError(err).WithField("layout", e.Name()).Debug("Failed to parse layout XML, skipping")
				continue
			}

			layoutName := strings.TrimSuffix(e.Name(), ".xml")
			var widgets []LayoutWidget
			collectLayoutWidgets(root, layoutName, nil, 0, strTable, &widgets)
			if len(widgets) > 0 {
				// 同一布局出现在多个限定目录（layout-land 等）时保留首个
				if _, ok := layouts[layoutName]; !ok {
					layouts[layoutName] = widgets
				}
			}
		}
	}

	return layouts
}

// collectLayoutWidgets 递归收集布局树中的控件描述符
func collectLayoutWidgets(node layoutNode, layout string, ancestors []string, siblingIdx int, strTable map[string]string, out *[]LayoutWidget) {
	cls := node.XMLName.Local
	if cls == "" {
		return
	}

	var id, text, onClick, binding string
	for _, a := range node.Attrs {
		switch a.Name.Local {
		case "id":
			// "@+id/login_btn" / "@id/login_btn"
			if idx := strings.LastIndex(a.Value, "/"); idx >= 0 {
				id = a.Value[idx+1:]
			}
		case "text", "hint", "contentDescription":
			if text == "" {
				text = resolveStringRef(a.Value, strTable)
			}
		case "onClick":
			onClick = a.Value
		}
		// data-binding 表达式形如 "@{viewModel.onLogin}"
		if strings.HasPrefix(a.Value, "@{") && strings.HasSuffix(a.Value, "}") {
			binding = strings.TrimSuffix(strings.TrimPrefix(a.Value, "@{"), "}")
		}
	}

	// 纯容器（无 id、无文本、无处理器）不作为控件记录，但仍计入祖先链
	if id != "" || text != "" || onClick != "" {
		idx := siblingIdx
		*out = append(*out, LayoutWidget{
			Layout:  layout,
			OnClick: onClick,
			Descriptor: domain.WidgetDescriptor{
				ResourceID:    id,
				Text:          text,
				Class:         cls,
				Binding:       binding,
				SiblingIndex:  &idx,
				AncestorChain: append([]string(nil), ancestors...),
			},
		})
	}

	childAncestors := append(append([]string(nil), ancestors...), cls)
	for i, child := range node.Nodes {
		collectLayoutWidgets(child, layout, childAncestors, i, strTable, out)
	}
}

// resolveStringRef 解析 "@string/name" 形式的文本引用
func resolveStringRef(value string, strTable map[string]string) string {
	if !strings.HasPrefix(value, "@string/") {
		return value
	}
	name := strings.TrimPrefix(value, "@string/")
	if v, ok := strTable[name]; ok {
		return v
	}
	return ""
}

// loadStringTable 读取 res/values/strings.xml 的字符串资源表
func loadStringTable(sourceDir string) map[string]string {
	table := make(map[string]string)

	paths, _ := filepath.Glob(filepath.Join(sourceDir, "res", "values*", "strings.xml"))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var res stringResources
		if err := xml.Unmarshal(data, &res); err != nil {
			continue
		}
		for _, s := range res.Strings {
			if _, ok := table[s.Name]; !ok {
				table[s.Name] = strings.TrimSpace(s.Value)
			}
		}
	}

	return table
}
