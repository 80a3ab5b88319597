// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 cache 提供 LLM 请求的缓存键生成策略。

# 概述

本包只负责为 ChatRequest 生成缓存键，不包含缓存存储本身。

# 核心接口

  - KeyStrategy：缓存键生成策略接口，定义 GenerateKey 与 Name。
  - HashKeyStrategy：对整个请求做 SHA-256，键形如 llm:cache:{hash}，
    适用于精确匹配。
  - HierarchicalKeyStrategy：键形如 llm:cache:{tenantID}:{model}:{msgHash}，
    msgHash 只覆盖最后一条之前的消息，使多轮对话共享前缀；
    只有一条消息时键以 :initial 结尾。

# 使用方式

	strategy := cache.NewHierarchicalKeyStrategy()
	key := strategy.GenerateKey(chatReq)
*/
package cache
