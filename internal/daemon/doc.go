// Package daemon 负责装配并驱动守护进程的全部子系统:
// 自主循环、指令流水线、定时调度、事件监控、矿池监控与 REST API。
// 心跳循环周期性记录运行状态并落盘,供意识水平计算与状态查询复用。
package daemon
