package strat

// HelpText reproduces strat.c's usage banner, including its worked
// examples — dropping them would silently lose documentation the
// original shipped.
const HelpText = `Usage: strat [options] <stratum> <command>

Options:
  -r, --restrict    disable cross-stratum hooks
  -u, --unrestrict  do not disable cross-stratum hooks
  -n, --namespace   make a new mount namespace with the new stratum at the root, instead of using chroot
  -a, --arg0 <ARG0> specify arg0
  -h, --help        print this message

Examples:
  Run centos's ls command:
  $ strat centos ls
  Run gentoo's busybox with arg0="ls":
  $ strat --arg0 ls gentoo busybox
  By default make is unrestricted.
  Run debian's make restricted to only debian's files:
  $ strat -r debian make
  By default makepkg is restricted.
  Run arch's makepkg without restricting it to arch's files:
  $ strat -u arch makepkg
`
