// Package camera カメラセッションとフレーム配信を担う
//
// # 責務
// - キャプチャバックエンド（汎用V4L2 / UVC赤外線）の統一インターフェース
// - カメラごとのセッションのライフサイクル管理（idle → starting → running → stopping / error）
// - 最新フレームの複数プレビュー利用者への配信
// - 起動時に構築されるカメラレジストリ
//
// # 使い分け
// このパッケージは以下の場合に使用する：
// - 設定済みのカメラを開始・停止したい
// - カメラのライブプレビューを購読したい
// - 録画コーディネーターにフレームを供給したい
//
// # 仕様
// - Backend: 記述子の種別から一度だけ選択され、実行中のフォールバック探索はしない
// - Session: 1セッションにつきキャプチャ用ゴルーチンは1つ
// - Hub: 購読者ごとに最新1フレームのみ保持し、遅い購読者はフレームを飛ばす
// - Registry: プロセス全体のカメラ表。暗黙のシングルトンにはしない
// - 停止は明示的なStopのみ（購読者や録画がカメラを止めることはない）
//
// # 前提要件
//   - videoグループへの参加: デバイスアクセス権限
//     sudo usermod -a -G video $USER
//   - UVCカメラはuvcvideoドライバ経由でV4L2デバイスとして見えること
package camera
