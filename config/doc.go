// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package config 提供网关的配置管理功能。

# 概述

config 包负责网关进程配置的完整生命周期管理，包括多源加载、
运行时热重载与变更审计。配置按
"默认值 -> YAML 文件 -> 环境变量" 的优先级合并。

# 核心结构

  - Config: 顶层配置聚合，涵盖 Server、Cache、Log、Telemetry、
    Gateway（路由/重试/指标参数）、Providers（按 ID 索引的上游
    凭证与传输配置）、LogicalModels（逻辑模型到物理上游的映射）
  - Loader: 配置加载器，支持 Builder 模式链式设置
    文件路径、环境变量前缀与自定义验证器
  - HotReloadManager: 热重载管理器，支持文件监听、
    局部字段更新、变更回调与审计日志
  - FileWatcher: 文件变更监听器，基于轮询 + 去抖机制
    触发配置重载

# 主要能力

  - 多源加载: YAML 文件、环境变量（GATEWAY_ 前缀，可自定义）、默认值
  - 热重载: 文件监听自动重载 + 程序化字段更新，按字段区分是否需要重启
  - 安全治理: 敏感字段脱敏（Cache.Password、Gateway.Secret 等）
  - 变更审计: 环形缓冲历史记录、变更回调通知
  - 配置验证: Config.Validate() 内置校验 + 自定义 WithValidator 钩子

# 使用示例

	cfg, err := config.NewLoader().
		WithConfigPath("config.yaml").
		WithEnvPrefix("GATEWAY").
		Load()
*/
package config
