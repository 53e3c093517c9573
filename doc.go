// Package streamrec 是一个流式在线推荐引擎。
//
// 组成：
//   - model：用户/物品 embedding 存储、优化器、在线训练与负采样
//   - vector：HNSW 近似索引，以 memory / Milvus / Qdrant 为权威存储并支持精确回退
//   - cache：进程内 LRU + 分布式二级缓存 + 源的三级缓存，支持按 key 与 tag 失效
//   - profile：限速的用户画像增量更新
//   - stream：行为与物品特征的有界关联、训练样本生成与消费流水线（内存日志或 Kafka）
//   - engine：把以上组件组合为推荐与相似物品查询
//   - config：YAML + 环境变量配置与后端注册
//   - eval：离线排序指标与留出集评估
//
// 可运行的装配示例见 examples/online 与 examples/evaluate。
package streamrec
