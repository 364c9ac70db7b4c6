// Package jobs は非同期ジョブの投入・状態管理を提供します。
//
// ジョブ状態は Redis に JSON で保存し（Store）、ジョブ参照は Asynq のタスクとして
// ワーカーへ配送します（Manager）。状態は pending -> processing -> completed|failed
// の順にのみ遷移し、終端状態からは遷移しません。
package jobs
