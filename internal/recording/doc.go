// Package recording 複数カメラの同期録画を担う
//
// # 責務
// - 録画ジョブの開始・停止と状態の問い合わせ
// - 開始時刻で名付けたディレクトリへのカメラごとのファイル書き込み
// - フレームごとのタイムスタンプCSVの記録
//
// # 仕様
// - 同時に動く録画ジョブは1つだけ。録画中の開始要求は ErrAlreadyRecording
// - 全ライターが開けるまで書き込みを始めない。時間内に揃わなければ全て閉じてディレクトリも消す
// - 1台のカメラが途中で失敗しても他のカメラの録画は続け、結果は partially_failed になる
// - 保証するのは開始と停止の同期まで。フレーム単位の同期はタイムスタンプCSVで後から合わせる
//
// # 出力
//
//	<base>/<2006-01-02_15-04-05>/
//	    world.mjpeg
//	    world_timestamps.csv
//	    eye0.mjpeg
//	    eye0_timestamps.csv
//	    recording.json
package recording
