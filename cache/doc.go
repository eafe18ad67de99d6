// Package cache 实现 stagehand 的缓存与校验子系统。
//
// 核心职责是决定一次已经计算过的页面动作（元素选择器或整段动作序列）
// 能否安全复用，从而避免重复调用昂贵且非确定性的视觉模型：
//
//   - DeriveKey         指令 + 页面上下文 → 确定性缓存键
//   - Store / FileStore 持久化缓存映射（JSON 文件 + 内存镜像），
//     另有 memory / redis / sqlite 后端
//   - Validator         TTL 过期、选择器重解析、页面指纹对比（全部 fail closed）
//   - Coordinator       查找/写入/统计/搜索/导入导出/清理的统一入口
//   - Replayer          整段动作序列的全有或全无回放
//
// 缓存未命中时由调用方完成模型推理并通过 Coordinator.Store 写回；
// 任何校验失败都只表现为一次 miss，绝不会阻断新计算的回退路径。
package cache
