/*
包 metrics 提供基于 Prometheus 的指标采集能力，覆盖
缓存、LLM、重放与操作四个维度。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
自动注册机制，避免手动管理 Registry。所有指标按 namespace 隔离，
支持多维度 label 分组，便于 Grafana 等工具进行可视化与告警。

# 主要能力

  - 缓存指标：命中、未命中与驱逐计数，按 cache_type（selector/actions）分组。
  - LLM 指标：请求总数、请求耗时、Token 用量（prompt/completion），
    按 provider/model 分组。
  - 重放指标：动作序列重放的总数与耗时，按 success/failed 分组。
  - 操作指标：observe/act/agent 操作的总数与耗时。
*/
package metrics
