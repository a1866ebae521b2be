package identify

import (
	"runtime/debug"
)

func init() {
	if bi, ok := debug.ReadBuildInfo(); ok {
		if ua := agentFromBuildInfo(bi); ua != "" {
			defaultUserAgent = ua
		}
	}
}

// agentFromBuildInfo 根据构建信息生成代理版本 "<模块路径>@<版本>"
// 开发构建使用 9 位 VCS 修订号,工作区有未提交修改时追加 -dirty
// 无法确定版本时返回空字符串
func agentFromBuildInfo(bi *debug.BuildInfo) string {
	path, version := bi.Main.Path, bi.Main.Version
	switch version {
	case "":
		return ""
	case "(devel)":
	default:
		return path + "@" + version
	}

	settings := make(map[string]string, len(bi.Settings))
	for _, s := range bi.Settings {
		settings[s.Key] = s.Value
	}
	rev := settings["vcs.revision"]
	if rev == "" {
		return ""
	}
	if len(rev) > 9 {
		rev = rev[:9]
	}
	if settings["vcs.modified"] == "true" {
		rev += "-dirty"
	}
	return path + "@" + rev
}
