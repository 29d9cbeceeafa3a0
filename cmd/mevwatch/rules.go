package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"mevwatch/internal/api"
	"mevwatch/internal/config"
	"mevwatch/internal/logging"
	"mevwatch/internal/rules"
	"mevwatch/internal/store"

	"github.com/spf13/cobra"
)

func newRulesCmd() *cobra.Command {
	rulesCmd := &cobra.Command{
		Use:   "rules",
		Short: "规则管理",
	}

	validateCmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "校验规则文件，不修改规则仓库",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return validateRulesFile(cmd.OutOrStdout(), args[0])
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "列出规则仓库中的规则",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configFile)
			if err != nil {
				return fmt.Errorf("加载配置失败: %w", err)
			}
			return listRules(cmd.OutOrStdout(), cfg.Store.Path)
		},
	}

	rulesCmd.AddCommand(validateCmd, listCmd)
	return rulesCmd
}

// validateRulesFile 输出逐条校验结果，存在被拒绝的规则时返回错误
func validateRulesFile(out io.Writer, path string) error {
	parsed, err := rules.LoadRulesFile(path)
	if err != nil {
		return err
	}

	accepted, rejected := api.ValidateRules(parsed)
	for _, id := range accepted {
		fmt.Fprintf(out, "✓ %s\n", id)
	}

	keys := make([]string, 0, len(rejected))
	for key := range rejected {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Fprintf(out, "✗ %s: %s\n", key, rejected[key])
	}

	fmt.Fprintf(out, "%s\n", strings.Repeat("=", 50))
	fmt.Fprintf(out, "通过: %d  拒绝: %d\n", len(accepted), len(rejected))

	if len(rejected) > 0 {
		return fmt.Errorf("%d 条规则未通过校验", len(rejected))
	}
	return nil
}

// listRules 以表格形式输出规则仓库内容
func listRules(out io.Writer, dbPath string) error {
	ruleStore, err := store.NewRuleStore(dbPath, logging.Discard())
	if err != nil {
		return err
	}
	defer ruleStore.Close()

	list, err := ruleStore.List()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tENABLED\tPRIORITY\tVERSION\tSEVERITY")
	for _, rule := range list {
		fmt.Fprintf(w, "%s\t%s\t%t\t%d\t%d\t%s\n",
			rule.ID, rule.Name, rule.Enabled, rule.Priority, rule.Version, rule.AlertSeverity())
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(out, "共 %d 条规则，快照版本 %d\n", len(list), ruleStore.SnapshotVersion())
	return nil
}
