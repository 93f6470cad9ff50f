package sourcemodel

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mainActivityJava = `package com.example.demo;

public class MainActivity extends Activity {
    private Button loginBtn;

    @Override
    protected void onCreate(Bundle savedInstanceState) {
        super.onCreate(savedInstanceState);
        setContentView(R.layout.activity_main);
        loginBtn = (Button) findViewById(R.id.login_btn);
        loginBtn.setOnClickListener(new View.OnClickListener() {
            @Override
            public void onClick(View v) {
                doLogin();
            }
        });
    }

    private void doLogin() {
        String name = getIntent().getStringExtra("name");
        submit(name.trim());
    }

    private void submit(String name) {
        startActivity(new Intent(this, SettingsActivity.class));
    }
}
`

const settingsActivityJava = `package com.example.demo;

public class SettingsActivity extends Activity {
    @Override
    protected void onCreate(Bundle savedInstanceState) {
        super.onCreate(savedInstanceState);
        setContentView(R.layout.activity_settings);
    }

    public void onResetClick(View view) {
        reset();
    }

    private void reset() {
    }
}
`

const mainLayoutXML = `<?xml version="1.0" encoding="utf-8"?>
<LinearLayout xmlns:android="http://schemas.android.com/apk/res/android">
    <TextView android:id="@+id/title" android:text="Welcome" />
    <Button android:id="@+id/login_btn" android:text="@string/login" />
</LinearLayout>
`

const settingsLayoutXML = `<?xml version="1.0" encoding="utf-8"?>
<LinearLayout xmlns:android="http://schemas.android.com/apk/res/android">
    <Button android:id="@+id/reset_btn" android:text="Reset" android:onClick="onResetClick" />
</LinearLayout>
`

const stringsXML = `<?xml version="1.0" encoding="utf-8"?>
<resources>
    <string name="login">Sign In</string>
</resources>
`

// writeSourceTree 在临时目录铺一个最小的反编译源码树
func writeSourceTree(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	srcDir := filepath.Join(dir, "sources", "com", "example", "demo")
	require.NoError(t, os.MkdirAll(srcDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "MainActivity.java"), []byte(mainActivityJava), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "SettingsActivity.java"), []byte(settingsActivityJava), 0o644))

	layoutDir := filepath.Join(dir, "res", "layout")
	require.NoError(t, os.MkdirAll(layoutDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(layoutDir, "activity_main.xml"), []byte(mainLayoutXML), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(layoutDir, "activity_settings.xml"), []byte(settingsLayoutXML), 0o644))

	valuesDir := filepath.Join(dir, "res", "values")
	require.NoError(t, os.MkdirAll(valuesDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(valuesDir, "strings.xml"), []byte(stringsXML), 0o644))

	return dir
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

// TestLoader_Load 测试基本加载：方法注册、调用边、入口标记
func TestLoader_Load(t *testing.T) {
	dir := writeSourceTree(t)
	loader := NewLoader(testLogger())

	tree, err := loader.Load(context.Background(), dir)
	require.NoError(t, err)

	// 方法都注册了
	_, ok := tree.Lookup("com.example.demo.MainActivity.doLogin")
	assert.True(t, ok, "doLogin should be registered")
	_, ok = tree.Lookup("com.example.demo.SettingsActivity.reset")
	assert.True(t, ok, "reset should be registered")

	// onCreate 是生命周期入口
	onCreate, ok := tree.Lookup("com.example.demo.MainActivity.onCreate")
	require.True(t, ok)
	entry := tree.Method(onCreate).Entry
	require.NotNil(t, entry)
	assert.Equal(t, EntryLifecycle, entry.Kind)
	assert.True(t, entry.Resolved)
}

// TestLoader_ListenerEntry 测试代码注册监听器的入口归属（匿名内部类 onClick）
func TestLoader_ListenerEntry(t *testing.T) {
	dir := writeSourceTree(t)
	loader := NewLoader(testLogger())

	tree, err := loader.Load(context.Background(), dir)
	require.NoError(t, err)

	ids := tree.LookupSimple("onClick")
	require.NotEmpty(t, ids, "anonymous onClick should be registered")

	found := false
	for _, id := range ids {
		m := tree.Method(id)
		if m.Entry != nil && m.Entry.Kind == EntryListener && m.Entry.Resolved {
			assert.Equal(t, "login_btn", m.Entry.Widget.ResourceID)
			found = true
		}
	}
	assert.True(t, found, "listener entry with resolved widget id expected")
}

// TestLoader_LayoutHandlerEntry 测试布局 android:onClick 处理器入口
func TestLoader_LayoutHandlerEntry(t *testing.T) {
	dir := writeSourceTree(t)
	loader := NewLoader(testLogger())

	tree, err := loader.Load(context.Background(), dir)
	require.NoError(t, err)

	id, ok := tree.Lookup("com.example.demo.SettingsActivity.onResetClick")
	require.True(t, ok)
	entry := tree.Method(id).Entry
	require.NotNil(t, entry)
	assert.Equal(t, EntryHandler, entry.Kind)
	assert.True(t, entry.Resolved)
	assert.Equal(t, "reset_btn", entry.Widget.ResourceID)
}

// TestLoader_IntentEdge 测试 startActivity 跳转边带界面触发证据
func TestLoader_IntentEdge(t *testing.T) {
	dir := writeSourceTree(t)
	loader := NewLoader(testLogger())

	tree, err := loader.Load(context.Background(), dir)
	require.NoError(t, err)

	submit, ok := tree.Lookup("com.example.demo.MainActivity.submit")
	require.True(t, ok)

	var screenEdge *Edge
	for _, e := range tree.Callees(submit) {
		if e.Trigger != nil && e.Trigger.NewScreen != "" {
			screenEdge = &e
			break
		}
	}
	require.NotNil(t, screenEdge, "intent edge expected")
	assert.Equal(t, "com.example.demo.SettingsActivity", screenEdge.Trigger.NewScreen)
}

// TestLoader_LayoutStrings 测试 @string 引用解析
func TestLoader_LayoutStrings(t *testing.T) {
	dir := writeSourceTree(t)
	layouts := scanLayouts(dir, testLogger())

	widgets, ok := layouts["activity_main"]
	require.True(t, ok)

	var loginText string
	for _, w := range widgets {
		if w.Descriptor.ResourceID == "login_btn" {
			loginText = w.Descriptor.Text
		}
	}
	assert.Equal(t, "Sign In", loginText)
}
