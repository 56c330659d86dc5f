package cli

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	"flow-alerts/internal/app"
)

var (
	evaluateFrame  string
	evaluateFile   string
	evaluateSymbol string
	evaluateSend   bool
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "解析一帧汇总数据并按阈值评估，可选发送告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		var frame []byte
		switch {
		case evaluateFrame != "" && evaluateFile != "":
			return errors.New("--frame 与 --file 只能二选一")
		case evaluateFrame != "":
			frame = []byte(evaluateFrame)
		case evaluateFile != "":
			data, err := os.ReadFile(evaluateFile)
			if err != nil {
				return err
			}
			frame = data
		default:
			return errors.New("必须提供 --frame 或 --file")
		}

		return getApp().Evaluate(cmd.Context(), app.EvaluateOptions{
			Symbol: evaluateSymbol,
			Frame:  frame,
			Send:   evaluateSend,
		})
	},
}

func init() {
	evaluateCmd.Flags().StringVar(&evaluateFrame, "frame", "", "单行 JSON 汇总记录")
	evaluateCmd.Flags().StringVar(&evaluateFile, "file", "", "包含单行 JSON 汇总记录的文件")
	evaluateCmd.Flags().StringVar(&evaluateSymbol, "symbol", "", "标的代码（默认 feed.symbol）")
	evaluateCmd.Flags().BoolVar(&evaluateSend, "send", false, "触发阈值时实际发送告警")
}
