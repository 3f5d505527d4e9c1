// Package monitor 负责感知外部变化:文件系统事件与 git 状态采样,
// 并将其转化为指令投递给处理管线。
package monitor
